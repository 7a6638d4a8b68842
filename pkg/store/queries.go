package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// DefaultQueryLimit caps result sets when the caller passes no limit.
const DefaultQueryLimit = 100

const (
	readingColumns = `rx_time, dev_eui, fcnt, rssi, snr, payload_version, node_id, temp_c, humidity_pct, battery_mv, status_flags`
	failureColumns = `rx_time, dev_eui, fcnt, error, observed_at`
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const readSavepoint = "basestation_read"

// read runs fn against the open batch transaction when there is one, so
// reads observe this store's own uncommitted writes. A failed statement
// aborts a whole Postgres transaction, so there the read runs under a
// savepoint that is rolled back when fn fails; the pending batch
// survives a failed or cancelled read. Callers hold s.mu.
func (s *Store) read(ctx context.Context, fn func(q querier) error) error {
	if s.tx == nil {
		return fn(s.db)
	}
	if s.dialect.Name != DriverPostgres {
		return fn(s.tx)
	}

	// Savepoint statements must run even when the read's ctx is done.
	bg := context.WithoutCancel(ctx)
	if _, err := s.tx.ExecContext(bg, "SAVEPOINT "+readSavepoint); err != nil {
		return fmt.Errorf("%w: savepoint: %w", ErrStorage, err)
	}
	readErr := fn(s.tx)
	if readErr != nil {
		if _, err := s.tx.ExecContext(bg, "ROLLBACK TO SAVEPOINT "+readSavepoint); err != nil {
			return errors.Join(readErr, fmt.Errorf("%w: rollback to savepoint: %w", ErrStorage, err))
		}
	}
	if _, err := s.tx.ExecContext(bg, "RELEASE SAVEPOINT "+readSavepoint); err != nil {
		return errors.Join(readErr, fmt.Errorf("%w: release savepoint: %w", ErrStorage, err))
	}
	return readErr
}

// Reading returns the row stored under (devEUI, fcnt).
func (s *Store) Reading(ctx context.Context, devEUI string, fcnt uint32) (telemetry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return telemetry.Record{}, ErrClosed
	}

	query := s.dialect.Rebind(`SELECT ` + readingColumns + ` FROM readings WHERE dev_eui = ? AND fcnt = ?`)
	var rec telemetry.Record
	err := s.read(ctx, func(q querier) error {
		var err error
		rec, err = scanReading(q.QueryRowContext(ctx, query, devEUI, int64(fcnt)))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Record{}, fmt.Errorf("reading %s/%d: %w", devEUI, fcnt, ErrNotFound)
	}
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("%w: get reading: %w", ErrStorage, err)
	}
	return rec, nil
}

// RecentReadings returns the newest readings by receive time.
func (s *Store) RecentReadings(ctx context.Context, limit int) ([]telemetry.Record, error) {
	query := `SELECT ` + readingColumns + ` FROM readings ORDER BY rx_time DESC, id DESC LIMIT ?`
	return s.queryReadings(ctx, query, clampLimit(limit))
}

// RecentReadingsForNode returns the newest readings reported by one node.
func (s *Store) RecentReadingsForNode(ctx context.Context, nodeID uint8, limit int) ([]telemetry.Record, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE node_id = ? ORDER BY rx_time DESC, id DESC LIMIT ?`
	return s.queryReadings(ctx, query, int64(nodeID), clampLimit(limit))
}

func (s *Store) queryReadings(ctx context.Context, query string, args ...any) ([]telemetry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []telemetry.Record
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("%w: query readings: %w", ErrStorage, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, err := scanReading(rows)
			if err != nil {
				return fmt.Errorf("%w: scan reading: %w", ErrStorage, err)
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: query readings: %w", ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (telemetry.Record, error) {
	var (
		rec    telemetry.Record
		rxTime string
	)
	err := row.Scan(&rxTime, &rec.DevEUI, &rec.FCnt, &rec.RSSI, &rec.SNR,
		&rec.PayloadVersion, &rec.NodeID, &rec.TempC, &rec.HumidityPct,
		&rec.BatteryMV, &rec.StatusFlags)
	if err != nil {
		return telemetry.Record{}, err
	}
	rec.RxTime, err = time.Parse(time.RFC3339Nano, rxTime)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("parse rx_time %q: %w", rxTime, err)
	}
	rec.RxTime = rec.RxTime.UTC()
	return rec, nil
}

// FailureQuery selects failures by observation time. Zero Since and
// Until leave that side of the range open.
type FailureQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// Failures returns failures observed in [Since, Until), oldest first.
func (s *Store) Failures(ctx context.Context, q FailureQuery) ([]telemetry.Failure, error) {
	since := int64(math.MinInt64)
	if !q.Since.IsZero() {
		since = q.Since.Unix()
	}
	until := int64(math.MaxInt64)
	if !q.Until.IsZero() {
		until = q.Until.Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT ` + failureColumns + ` FROM failures
		WHERE observed_at >= ? AND observed_at < ?
		ORDER BY observed_at, id LIMIT ?`
	return s.queryFailures(ctx, query, since, until, clampLimit(q.Limit))
}

// RecentFailures returns the newest failures, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]telemetry.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT ` + failureColumns + ` FROM failures ORDER BY observed_at DESC, id DESC LIMIT ?`
	return s.queryFailures(ctx, query, clampLimit(limit))
}

// queryFailures runs query and scans failure rows. Callers hold s.mu.
func (s *Store) queryFailures(ctx context.Context, query string, args ...any) ([]telemetry.Failure, error) {
	var out []telemetry.Failure
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("%w: query failures: %w", ErrStorage, err)
		}
		defer func() { _ = rows.Close() }()
		out, err = scanFailures(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanFailures(rows *sql.Rows) ([]telemetry.Failure, error) {
	var out []telemetry.Failure
	for rows.Next() {
		var (
			rxTime   sql.NullString
			devEUI   sql.NullString
			fcnt     sql.NullInt64
			f        telemetry.Failure
			observed int64
		)
		if err := rows.Scan(&rxTime, &devEUI, &fcnt, &f.Message, &observed); err != nil {
			return nil, fmt.Errorf("%w: scan failure: %w", ErrStorage, err)
		}
		f.RxTime = rxTime.String
		f.DevEUI = devEUI.String
		if fcnt.Valid {
			v := uint32(fcnt.Int64)
			f.FCnt = &v
		}
		f.ObservedAt = time.Unix(observed, 0).UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query failures: %w", ErrStorage, err)
	}
	return out, nil
}

// Stats summarizes table contents.
type Stats struct {
	Readings   int64
	Failures   int64
	LastRxTime time.Time
}

// Stats counts rows in both tables, including this store's pending writes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	var (
		st     Stats
		lastRx sql.NullString
	)
	err := s.read(ctx, func(q querier) error {
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*), MAX(rx_time) FROM readings`).Scan(&st.Readings, &lastRx); err != nil {
			return fmt.Errorf("%w: count readings: %w", ErrStorage, err)
		}
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures`).Scan(&st.Failures); err != nil {
			return fmt.Errorf("%w: count failures: %w", ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	if lastRx.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRx.String); err == nil {
			st.LastRxTime = t.UTC()
		}
	}
	return st, nil
}

func clampLimit(limit int) int64 {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return int64(limit)
}
