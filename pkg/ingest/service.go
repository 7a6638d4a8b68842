package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/josemorales956/dsn-base-station/pkg/observability"
	"github.com/josemorales956/dsn-base-station/pkg/policy"
	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// Source yields uplink envelopes. Next returns io.EOF when the source is
// exhausted. Errors matching telemetry.ErrBadEnvelope are recorded as
// failures and the source is read again.
type Source interface {
	Next(ctx context.Context) (telemetry.Envelope, error)
}

// RecordWriter receives normalized records.
type RecordWriter interface {
	WriteReading(ctx context.Context, rec telemetry.Record) error
}

// FailureWriter receives failure reports.
type FailureWriter interface {
	WriteFailure(ctx context.Context, f telemetry.Failure) error
}

// Store is the durable destination. Its errors stop the service.
type Store interface {
	RecordWriter
	FailureWriter
	Flush(ctx context.Context) error
}

// Tracker instruments each uplink. *observability.Metrics implements it.
type Tracker interface {
	TrackUplink(ctx context.Context, devEUI string) (context.Context, func(outcome string, err error))
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Pipeline *Pipeline
	Store    Store
	Policy   *policy.Policy
	// Records and Failures are best-effort sinks: their errors are
	// logged and ingest continues.
	Records  []RecordWriter
	Failures []FailureWriter
	Tracker  Tracker
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Stats counts what a Run did.
type Stats struct {
	Uplinks  int
	Records  int
	Failures int
	Rejected int
}

// Service moves envelopes from a Source through the pipeline into the
// store and sinks.
type Service struct {
	pipeline *Pipeline
	store    Store
	policy   *policy.Policy
	records  []RecordWriter
	failures []FailureWriter
	tracker  Tracker
	logger   *slog.Logger
	now      func() time.Time
	runID    string
}

// NewService builds a service. A nil Pipeline gets one sharing the
// service clock.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = NewPipeline(WithClock(cfg.Clock))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	runID := uuid.NewString()
	return &Service{
		pipeline: cfg.Pipeline,
		store:    cfg.Store,
		policy:   cfg.Policy,
		records:  cfg.Records,
		failures: cfg.Failures,
		tracker:  cfg.Tracker,
		logger:   cfg.Logger.With("component", "ingest", "run_id", runID),
		now:      cfg.Clock,
		runID:    runID,
	}
}

// RunID identifies this service instance in logs.
func (s *Service) RunID() string {
	return s.runID
}

// Run consumes src until it is exhausted or ctx is cancelled, then
// flushes the store. Cancellation is a clean stop. Storage failures end
// the run and are returned; malformed input never is.
func (s *Service) Run(ctx context.Context, src Source) (Stats, error) {
	var st Stats
	s.logger.InfoContext(ctx, "ingest started", "policy", s.policy.Expr())

	runErr := s.loop(ctx, src, &st)

	var flushErr error
	if s.store != nil {
		flushErr = s.store.Flush(context.WithoutCancel(ctx))
		if flushErr != nil {
			flushErr = fmt.Errorf("flush: %w", flushErr)
		}
	}

	err := errors.Join(runErr, flushErr)
	attrs := []any{
		"uplinks", st.Uplinks,
		"records", st.Records,
		"failures", st.Failures,
		"rejected", st.Rejected,
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "ingest aborted", append(attrs, "error", err)...)
		return st, err
	}
	s.logger.InfoContext(ctx, "ingest finished", attrs...)
	return st, nil
}

func (s *Service) loop(ctx context.Context, src Source, st *Stats) error {
	// An envelope already read is processed to completion even if ctx is
	// cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)
	for {
		env, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, telemetry.ErrBadEnvelope):
			st.Uplinks++
			st.Failures++
			f := telemetry.Failure{
				Message:    fmt.Sprintf("invalid envelope: %v", err),
				ObservedAt: s.now().UTC(),
			}
			if err := s.fail(wctx, f); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("read source: %w", err)
		}

		st.Uplinks++
		if err := s.handle(wctx, env, st); err != nil {
			return err
		}
	}
}

func (s *Service) handle(ctx context.Context, env telemetry.Envelope, st *Stats) (err error) {
	outcome := observability.OutcomeRecord
	var cause error
	if s.tracker != nil {
		var done func(string, error)
		ctx, done = s.tracker.TrackUplink(ctx, env.DevEUI)
		defer func() {
			if err != nil {
				cause = err
			}
			done(outcome, cause)
		}()
	}

	out := s.pipeline.Process(env)
	if !out.OK() {
		outcome = observability.OutcomeFailure
		cause = errors.New(out.Failure.Message)
		st.Failures++
		return s.fail(ctx, *out.Failure)
	}

	rec := *out.Record
	accepted, perr := s.policy.Accept(rec)
	if perr != nil || !accepted {
		outcome = observability.OutcomeRejected
		msg := fmt.Sprintf("policy rejected fcnt=%d: %s", rec.FCnt, s.policy.Expr())
		if perr != nil {
			msg = fmt.Sprintf("policy error for fcnt=%d: %v", rec.FCnt, perr)
		}
		st.Rejected++
		return s.reject(ctx, telemetry.Failure{
			RxTime:     rec.RxTimeString(),
			DevEUI:     rec.DevEUI,
			FCnt:       telemetry.FCnt(rec.FCnt),
			Message:    msg,
			ObservedAt: s.now().UTC(),
		})
	}

	if s.store != nil {
		if err := s.store.WriteReading(ctx, rec); err != nil {
			return fmt.Errorf("store reading %s/%d: %w", rec.DevEUI, rec.FCnt, err)
		}
	}
	for _, w := range s.records {
		if err := w.WriteReading(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "record sink failed", "fcnt", rec.FCnt, "error", err)
		}
	}
	st.Records++
	return nil
}

func (s *Service) fail(ctx context.Context, f telemetry.Failure) error {
	s.logger.ErrorContext(ctx, "malformed packet",
		"dev_eui", f.DevEUI,
		"fcnt", telemetry.FormatFCnt(f.FCnt),
		"error", f.Message,
	)
	return s.writeFailure(ctx, f)
}

func (s *Service) reject(ctx context.Context, f telemetry.Failure) error {
	s.logger.WarnContext(ctx, "record rejected",
		"dev_eui", f.DevEUI,
		"fcnt", telemetry.FormatFCnt(f.FCnt),
		"reason", f.Message,
	)
	return s.writeFailure(ctx, f)
}

func (s *Service) writeFailure(ctx context.Context, f telemetry.Failure) error {
	if s.store != nil {
		if err := s.store.WriteFailure(ctx, f); err != nil {
			return fmt.Errorf("store failure fcnt=%s: %w", telemetry.FormatFCnt(f.FCnt), err)
		}
	}
	for _, w := range s.failures {
		if err := w.WriteFailure(ctx, f); err != nil {
			s.logger.ErrorContext(ctx, "failure sink failed", "fcnt", telemetry.FormatFCnt(f.FCnt), "error", err)
		}
	}
	return nil
}
