package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/josemorales956/dsn-base-station/pkg/store"
	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

type inspectReport struct {
	Readings     int64               `json:"readings"`
	Failures     int64               `json:"failures"`
	LastRxTime   string              `json:"last_rx_time,omitempty"`
	Latest       []telemetry.Record  `json:"latest"`
	LastFailures []telemetry.Failure `json:"last_failures"`
}

func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	var (
		cfgPath string
		db      string
		limit   int
		node    int
		asJSON  bool
	)
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfgPath, "config", "", "YAML configuration file")
	fs.StringVar(&db, "db", "", "database file (sqlite) or DSN (postgres)")
	fs.IntVar(&limit, "limit", 5, "number of recent rows to show")
	fs.IntVar(&node, "node", -1, "only show readings from this node id")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if node > 255 {
		_, _ = fmt.Fprintf(stderr, "Error: node id %d out of range\n", node)
		return 2
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if fs.Changed("db") {
		cfg.DBPath = db
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DBPath,
		BatchSize:   1,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      newLogger(stderr, cfg),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	report, err := buildReport(ctx, st, limit, node)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	printReport(stdout, report)
	return 0
}

func buildReport(ctx context.Context, st *store.Store, limit, node int) (inspectReport, error) {
	stats, err := st.Stats(ctx)
	if err != nil {
		return inspectReport{}, err
	}
	report := inspectReport{Readings: stats.Readings, Failures: stats.Failures}
	if !stats.LastRxTime.IsZero() {
		report.LastRxTime = stats.LastRxTime.Format(telemetry.TimeLayout)
	}

	if node >= 0 {
		report.Latest, err = st.RecentReadingsForNode(ctx, uint8(node), limit)
	} else {
		report.Latest, err = st.RecentReadings(ctx, limit)
	}
	if err != nil {
		return inspectReport{}, err
	}

	report.LastFailures, err = st.RecentFailures(ctx, limit)
	if err != nil {
		return inspectReport{}, err
	}
	return report, nil
}

func printReport(w io.Writer, r inspectReport) {
	_, _ = fmt.Fprintf(w, "readings: %d\n", r.Readings)
	_, _ = fmt.Fprintf(w, "failures: %d\n", r.Failures)
	if r.LastRxTime != "" {
		_, _ = fmt.Fprintf(w, "last rx:  %s\n", r.LastRxTime)
	}

	_, _ = fmt.Fprintln(w, "\nlatest readings:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DEV_EUI\tFCNT\tNODE\tRX_TIME\tTEMP_C\tHUMIDITY_PCT\tBATTERY_MV")
	for _, rec := range r.Latest {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%.2f\t%.2f\t%d\n",
			rec.DevEUI, rec.FCnt, rec.NodeID, rec.RxTimeString(), rec.TempC, rec.HumidityPct, rec.BatteryMV)
	}
	_ = tw.Flush()

	_, _ = fmt.Fprintln(w, "\nlatest failures:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OBSERVED_AT\tFCNT\tERROR")
	for _, f := range r.LastFailures {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ObservedAt.Format(time.RFC3339), telemetry.FormatFCnt(f.FCnt), f.Message)
	}
	_ = tw.Flush()
}
