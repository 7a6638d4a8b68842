package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/josemorales956/dsn-base-station/pkg/config"
	"github.com/josemorales956/dsn-base-station/pkg/gateway"
	"github.com/josemorales956/dsn-base-station/pkg/ingest"
	"github.com/josemorales956/dsn-base-station/pkg/live"
	"github.com/josemorales956/dsn-base-station/pkg/observability"
	"github.com/josemorales956/dsn-base-station/pkg/policy"
	"github.com/josemorales956/dsn-base-station/pkg/sink"
	"github.com/josemorales956/dsn-base-station/pkg/store"
)

type runFlags struct {
	simulate  bool
	input     string
	cfgPath   string
	batchSize int
	db        string
	badRate   float64
	period    time.Duration
	count     int
	nodes     []uint
	quiet     bool
	listen    string
}

func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	var f runFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&f.simulate, "simulate", false, "read uplinks from the built-in gateway simulator")
	fs.StringVar(&f.input, "input", "", "read uplinks as JSON lines from FILE ('-' for stdin)")
	fs.StringVar(&f.cfgPath, "config", "", "YAML configuration file")
	fs.IntVar(&f.batchSize, "batch-size", 0, "writes per database commit")
	fs.StringVar(&f.db, "db", "", "database file (sqlite) or DSN (postgres)")
	fs.Float64Var(&f.badRate, "bad-rate", 0, "simulator: share of corrupted packets in [0, 1]")
	fs.DurationVar(&f.period, "period", 0, "simulator: interval between uplinks (0 = no pacing)")
	fs.IntVar(&f.count, "count", 0, "simulator: stop after N uplinks (0 = forever)")
	fs.UintSliceVar(&f.nodes, "nodes", nil, "simulator: node ids")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "do not echo records to stdout")
	fs.StringVar(&f.listen, "listen", "", "serve the live feed and query API on ADDR")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if f.simulate == (f.input != "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --simulate or --input is required")
		return 2
	}

	cfg, err := loadConfig(f.cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if err := applyRunFlags(fs, &f, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger := newLogger(stderr, cfg)

	acceptPolicy, err := policy.Compile(cfg.AcceptExpr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.Insecure = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	metrics, err := observability.NewMetrics(obs.Meter(), obs.Tracer())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DBPath,
		BatchSize:   cfg.BatchSize,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      logger,
		Observer:    metrics,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	svcCfg := ingest.ServiceConfig{
		Store:   st,
		Policy:  acceptPolicy,
		Tracker: metrics,
		Logger:  logger,
	}
	closers, err := openSinks(ctx, cfg, f.quiet, stdout, &svcCfg)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	src, closeSrc, err := openSource(f, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeSrc()

	if cfg.HTTPAddr == "" {
		if _, err := ingest.NewService(svcCfg).Run(ctx, src); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := runWithFeed(ctx, cfg.HTTPAddr, st, svcCfg, src); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runWithFeed ingests from src while serving the live feed. The HTTP
// server stops once ingest returns.
func runWithFeed(ctx context.Context, addr string, st *store.Store, svcCfg ingest.ServiceConfig, src ingest.Source) error {
	hub := live.NewHub(svcCfg.Logger)
	svcCfg.Records = append(svcCfg.Records, hub)
	svcCfg.Failures = append(svcCfg.Failures, hub)

	srv := live.NewServer(addr, live.NewRouter(hub, st, svcCfg.Logger), svcCfg.Logger)
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(feedCtx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	_, runErr := ingest.NewService(svcCfg).Run(ctx, src)
	stopFeed()
	if err := g.Wait(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func applyRunFlags(fs *pflag.FlagSet, f *runFlags, cfg *config.Config) error {
	if fs.Changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if fs.Changed("db") {
		cfg.DBPath = f.db
	}
	if fs.Changed("bad-rate") {
		cfg.SimBadRate = f.badRate
	}
	if fs.Changed("period") {
		cfg.SimPeriod = f.period
	}
	if fs.Changed("listen") {
		cfg.HTTPAddr = f.listen
	}
	if fs.Changed("nodes") {
		cfg.SimNodeIDs = cfg.SimNodeIDs[:0:0]
		for _, n := range f.nodes {
			if n > 255 {
				return fmt.Errorf("%w: node id %d out of range", config.ErrInvalid, n)
			}
			cfg.SimNodeIDs = append(cfg.SimNodeIDs, uint8(n))
		}
	}
	return cfg.Validate()
}

func openSinks(ctx context.Context, cfg *config.Config, quiet bool, stdout io.Writer, svc *ingest.ServiceConfig) ([]io.Closer, error) {
	var closers []io.Closer

	if !quiet {
		svc.Records = append(svc.Records, sink.NewJSON(stdout))
	}
	if cfg.JSONLPath != "" {
		jsonl, err := sink.OpenJSONL(cfg.JSONLPath)
		if err != nil {
			return closers, err
		}
		closers = append(closers, jsonl)
		svc.Records = append(svc.Records, jsonl)
	}
	if cfg.ErrorLogPath != "" {
		errLog, err := sink.OpenErrorLog(cfg.ErrorLogPath)
		if err != nil {
			return closers, err
		}
		closers = append(closers, errLog)
		svc.Failures = append(svc.Failures, errLog)
	}
	if cfg.RedisAddr != "" {
		rds, err := sink.DialRedis(ctx, cfg.RedisAddr, sink.DefaultRedisOptions())
		if err != nil {
			return closers, err
		}
		closers = append(closers, rds)
		svc.Records = append(svc.Records, rds)
	}
	return closers, nil
}

func openSource(f runFlags, cfg *config.Config) (ingest.Source, func(), error) {
	if f.simulate {
		sim := gateway.NewSimulator(gateway.SimulatorConfig{
			NodeIDs: cfg.SimNodeIDs,
			Period:  cfg.SimPeriod,
			BadRate: cfg.SimBadRate,
			Count:   f.count,
		})
		return sim, func() {}, nil
	}

	if f.input == "-" {
		return gateway.NewJSONLSource(stdin), func() {}, nil
	}
	file, err := os.Open(f.input) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return gateway.NewJSONLSource(file), func() { _ = file.Close() }, nil
}
