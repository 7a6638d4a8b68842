// Package store persists normalized readings and decode failures.
//
// Readings are upserted on their natural key (dev_eui, fcnt); failures
// are append-only. Writes are grouped into transactions of BatchSize
// writes: a batch commits as soon as it is full, or when Flush is
// called. Close does not flush, so up to BatchSize-1 writes are lost if
// the caller skips Flush.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrStorage wraps every failure of the underlying database:
	// connection loss, constraint violations, lock timeouts, failed
	// commits.
	ErrStorage       = errors.New("storage failure")
	ErrInvalidConfig = errors.New("invalid store config")
	// ErrInvalidRecord rejects a write whose content cannot be stored;
	// nothing is sent to the database.
	ErrInvalidRecord = errors.New("invalid record")
	ErrNotFound      = errors.New("not found")
	ErrClosed        = errors.New("store closed")
)

const (
	DefaultBatchSize   = 1
	DefaultBusyTimeout = 30 * time.Second
	// MinBusyTimeout is the shortest lock wait accepted for a file store.
	MinBusyTimeout = 30 * time.Second
)

// Observer receives write and commit events. The observability package
// provides the production implementation.
type Observer interface {
	ObserveWrite(ctx context.Context, kind string, err error)
	ObserveCommit(ctx context.Context, writes int, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveWrite(context.Context, string, error) {}

func (nopObserver) ObserveCommit(context.Context, int, time.Duration, error) {}

// Config describes a store to open.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string
	// BatchSize is the number of writes per commit. Must be >= 1.
	BatchSize int
	// BusyTimeout bounds how long a write waits on a locked database.
	// Zero selects DefaultBusyTimeout.
	BusyTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

// Options configures a Store built around an existing *sql.DB.
type Options struct {
	BatchSize   int
	BusyTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

// Store is a batching writer over one database session. It is safe for
// concurrent use, but writers in separate processes should each open
// their own Store and rely on the database's locking.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	batchSize   int
	busyTimeout time.Duration
	ownsDB      bool
	logger      *slog.Logger
	observer    Observer

	mu      sync.Mutex
	tx      *sql.Tx
	pending int
	closed  bool
}

// Open connects to the configured database, applies the schema and
// returns a ready Store. For sqlite the parent directory is created if
// missing and the connection runs in WAL mode with a busy timeout.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: DSN is required", ErrInvalidConfig)
	}
	busy := cfg.BusyTimeout
	if busy == 0 {
		busy = DefaultBusyTimeout
	}
	opts := Options{
		BatchSize:   cfg.BatchSize,
		BusyTimeout: busy,
		Logger:      cfg.Logger,
		Observer:    cfg.Observer,
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name {
	case DriverSQLite:
		db, err = openSQLite(cfg.DSN, busy)
	default:
		db, err = sql.Open(DriverPostgres, cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, dialect.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", ErrStorage, dialect.Name, err)
	}

	s, err := New(ctx, db, dialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	s.logger.InfoContext(ctx, "store opened",
		"driver", dialect.Name,
		"batch_size", s.batchSize,
		"busy_timeout", busy,
	)
	return s, nil
}

func openSQLite(path string, busy time.Duration) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Set("_txlock", "immediate")

	db, err := sql.Open(DriverSQLite, path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// The store owns a single session; a second pooled connection would
	// contend with the open batch transaction.
	db.SetMaxOpenConns(1)
	return db, nil
}

// New wraps db and ensures the schema exists. The caller keeps
// ownership of db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	s := &Store{
		db:          db,
		dialect:     dialect,
		batchSize:   opts.BatchSize,
		busyTimeout: opts.BusyTimeout,
		logger:      logger.With("component", "store"),
		observer:    observer,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (o Options) validate() error {
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidConfig, o.BatchSize)
	}
	if o.BusyTimeout != 0 && o.BusyTimeout < MinBusyTimeout {
		return fmt.Errorf("%w: busy timeout must be >= %s, got %s", ErrInvalidConfig, MinBusyTimeout, o.BusyTimeout)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %w", ErrStorage, err)
		}
	}
	return nil
}

// BatchSize returns the number of writes per commit.
func (s *Store) BatchSize() int {
	return s.batchSize
}

// Pending returns the number of writes not yet committed.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

const upsertReading = `INSERT INTO readings (
		rx_time, dev_eui, fcnt, rssi, snr, payload_version, node_id,
		temp_c, humidity_pct, battery_mv, status_flags, raw_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (dev_eui, fcnt) DO UPDATE SET
		rx_time = excluded.rx_time,
		rssi = excluded.rssi,
		snr = excluded.snr,
		payload_version = excluded.payload_version,
		node_id = excluded.node_id,
		temp_c = excluded.temp_c,
		humidity_pct = excluded.humidity_pct,
		battery_mv = excluded.battery_mv,
		status_flags = excluded.status_flags,
		raw_json = excluded.raw_json`

const insertFailure = `INSERT INTO failures (rx_time, dev_eui, fcnt, error, observed_at) VALUES (?, ?, ?, ?, ?)`

// WriteReading upserts rec. A record sharing (dev_eui, fcnt) with an
// existing row replaces every other column of that row.
func (s *Store) WriteReading(ctx context.Context, rec telemetry.Record) error {
	raw, err := canonicalJSON(rec)
	if err != nil {
		return fmt.Errorf("serialize reading: %w", err)
	}
	return s.write(ctx, "reading", upsertReading,
		rec.RxTimeString(),
		rec.DevEUI,
		int64(rec.FCnt),
		rec.RSSI,
		rec.SNR,
		int64(rec.PayloadVersion),
		int64(rec.NodeID),
		rec.TempC,
		rec.HumidityPct,
		int64(rec.BatteryMV),
		int64(rec.StatusFlags),
		raw,
	)
}

// WriteFailure appends f to the failures table.
func (s *Store) WriteFailure(ctx context.Context, f telemetry.Failure) error {
	if f.Message == "" {
		return fmt.Errorf("%w: failure message is required", ErrInvalidRecord)
	}
	observed := f.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	var fcnt sql.NullInt64
	if f.FCnt != nil {
		fcnt = sql.NullInt64{Int64: int64(*f.FCnt), Valid: true}
	}
	return s.write(ctx, "failure", insertFailure,
		nullString(f.RxTime),
		nullString(f.DevEUI),
		fcnt,
		f.Message,
		observed.Unix(),
	)
}

func (s *Store) write(ctx context.Context, kind, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.begin(ctx)
	if err != nil {
		s.observer.ObserveWrite(ctx, kind, err)
		return fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(query), args...); err != nil {
		s.observer.ObserveWrite(ctx, kind, err)
		lost := s.abort(ctx)
		return fmt.Errorf("%w: write %s (%d pending writes discarded): %w", ErrStorage, kind, lost, err)
	}
	s.pending++
	s.observer.ObserveWrite(ctx, kind, nil)

	if s.pending >= s.batchSize {
		return s.commit(ctx)
	}
	return nil
}

// begin returns the open batch transaction, starting one if needed.
// The transaction outlives the ctx of the write that opened it, so it
// is detached from that ctx's cancellation.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, err
	}
	if s.dialect.Name == DriverPostgres && s.busyTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.busyTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	s.tx = tx
	return tx, nil
}

func (s *Store) commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	n := s.pending
	start := time.Now()
	err := s.tx.Commit()
	elapsed := time.Since(start)
	s.tx = nil
	s.pending = 0
	s.observer.ObserveCommit(ctx, n, elapsed, err)
	if err != nil {
		return fmt.Errorf("%w: commit %d writes: %w", ErrStorage, n, err)
	}
	s.logger.DebugContext(ctx, "batch committed", "writes", n, "elapsed", elapsed)
	return nil
}

// abort rolls back the open batch and returns how many writes it held.
func (s *Store) abort(ctx context.Context) int {
	if s.tx == nil {
		return 0
	}
	n := s.pending
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.ErrorContext(ctx, "rollback failed", "error", err)
	}
	s.tx = nil
	s.pending = 0
	if n > 0 {
		s.logger.WarnContext(ctx, "discarded uncommitted writes", "writes", n)
	}
	return n
}

// Flush commits pending writes regardless of the batch size.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.commit(ctx)
}

// Close releases the store. Pending writes are rolled back, not
// committed; call Flush first to keep them.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.abort(context.Background())
	s.closed = true
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrStorage, err)
	}
	s.logger.Info("store closed", "driver", s.dialect.Name)
	return nil
}

// canonicalJSON serializes rec as RFC 8785 canonical JSON so that the
// stored copy is byte-stable across writers.
func canonicalJSON(rec telemetry.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
