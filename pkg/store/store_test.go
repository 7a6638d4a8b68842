package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, path string, batch int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{DSN: path, BatchSize: batch})
	require.NoError(t, err)
	return s
}

func testRecord(devEUI string, fcnt uint32, nodeID uint8, temp float64) telemetry.Record {
	return telemetry.Record{
		RxTime:         baseTime.Add(time.Duration(fcnt) * time.Second),
		DevEUI:         devEUI,
		FCnt:           fcnt,
		RSSI:           -90,
		SNR:            5.5,
		PayloadVersion: 1,
		NodeID:         nodeID,
		TempC:          temp,
		HumidityPct:    50,
		BatteryMV:      3800,
		StatusFlags:    0,
	}
}

func countReadings(t *testing.T, path string) int64 {
	t.Helper()
	s := openTestStore(t, path, 1)
	defer func() { _ = s.Close() }()
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	return st.Readings
}

func TestOpen_CreatesParentDirAndWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "readings.sqlite3")
	s := openTestStore(t, path, 1)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	var mode string
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int64
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
	assert.GreaterOrEqual(t, busy, int64(30000))
	assert.FileExists(t, path)
}

func TestOpen_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.db")

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero batch", cfg: Config{DSN: path, BatchSize: 0}},
		{name: "negative batch", cfg: Config{DSN: path, BatchSize: -3}},
		{name: "short busy timeout", cfg: Config{DSN: path, BatchSize: 1, BusyTimeout: time.Second}},
		{name: "unknown driver", cfg: Config{Driver: "oracle", DSN: path, BatchSize: 1}},
		{name: "missing dsn", cfg: Config{BatchSize: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWriteReading_UpsertKeepsLastWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	defer func() { _ = s.Close() }()

	first := testRecord("SIM_NODE", 1, 2, 20.0)
	second := testRecord("SIM_NODE", 1, 3, 30.25)
	second.BatteryMV = 3611
	second.StatusFlags = 0x02

	require.NoError(t, s.WriteReading(ctx, first))
	require.NoError(t, s.WriteReading(ctx, second))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Readings)

	got, err := s.Reading(ctx, "SIM_NODE", 1)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestWriteReading_DistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.WriteReading(ctx, testRecord("A", 1, 1, 20)))
	require.NoError(t, s.WriteReading(ctx, testRecord("B", 1, 1, 21)))
	require.NoError(t, s.WriteReading(ctx, testRecord("A", 2, 1, 22)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Readings)
	assert.Equal(t, baseTime.Add(2*time.Second), st.LastRxTime)
}

func TestReading_NotFound(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	defer func() { _ = s.Close() }()

	_, err := s.Reading(context.Background(), "nobody", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatching_CloseWithoutFlushLosesPartialBatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batch.db")
	s := openTestStore(t, path, 10)

	for i := 1; i <= 9; i++ {
		require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", uint32(i), 1, 20)))
	}
	assert.Equal(t, 9, s.Pending())
	require.NoError(t, s.Close())

	assert.Equal(t, int64(0), countReadings(t, path))
}

func TestBatching_FullBatchCommitsWithoutFlush(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batch.db")
	s := openTestStore(t, path, 10)

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", uint32(i), 1, 20)))
	}
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Close())

	assert.Equal(t, int64(10), countReadings(t, path))
}

func TestBatching_FlushCommitsTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batch.db")
	s := openTestStore(t, path, 10)

	for i := 1; i <= 13; i++ {
		require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", uint32(i), 1, 20)))
	}
	assert.Equal(t, 3, s.Pending())
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Close())

	assert.Equal(t, int64(13), countReadings(t, path))
}

func TestBatching_FailuresCountTowardBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "batch.db"), 3)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", 1, 1, 20)))
	require.NoError(t, s.WriteFailure(ctx, telemetry.Failure{Message: "bad", ObservedAt: baseTime}))
	assert.Equal(t, 2, s.Pending())
	require.NoError(t, s.WriteFailure(ctx, telemetry.Failure{Message: "bad", ObservedAt: baseTime}))
	assert.Equal(t, 0, s.Pending())
}

func TestReads_SeeOwnPendingWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 10)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", 1, 1, 20)))
	require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", 2, 1, 21)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Readings)
	assert.Equal(t, 2, s.Pending())
}

func TestWriteFailure_AppendOnlyWithNullableFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "f.db"), 1)
	defer func() { _ = s.Close() }()

	full := telemetry.Failure{
		RxTime:     "2026-03-01T12:00:00Z",
		DevEUI:     "SIM_NODE",
		FCnt:       telemetry.FCnt(4),
		Message:    "decode failed for fcnt=4: crc mismatch: got 0x01, want 0x02",
		ObservedAt: baseTime,
	}
	bare := telemetry.Failure{Message: "envelope unreadable", ObservedAt: baseTime.Add(time.Minute)}

	require.NoError(t, s.WriteFailure(ctx, full))
	require.NoError(t, s.WriteFailure(ctx, full))
	require.NoError(t, s.WriteFailure(ctx, bare))

	got, err := s.Failures(ctx, FailureQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, full, got[0])
	assert.Equal(t, full, got[1])
	assert.Equal(t, bare, got[2])
	assert.Nil(t, got[2].FCnt)
}

func TestWriteFailure_RequiresMessage(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "f.db"), 1)
	defer func() { _ = s.Close() }()

	err := s.WriteFailure(context.Background(), telemetry.Failure{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.NotErrorIs(t, err, ErrStorage)
}

func TestFailures_TimeRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "f.db"), 1)
	defer func() { _ = s.Close() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteFailure(ctx, telemetry.Failure{
			Message:    fmt.Sprintf("failure %d", i),
			ObservedAt: baseTime.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.Failures(ctx, FailureQuery{
		Since: baseTime.Add(time.Hour),
		Until: baseTime.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "failure 1", got[0].Message)
	assert.Equal(t, "failure 2", got[1].Message)

	recent, err := s.RecentFailures(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "failure 4", recent[0].Message)
	assert.Equal(t, "failure 3", recent[1].Message)
}

func TestRecentReadings_Ordering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	defer func() { _ = s.Close() }()

	for i := uint32(1); i <= 6; i++ {
		require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", i, uint8(i%2+1), float64(i))))
	}

	recent, err := s.RecentReadings(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []uint32{6, 5, 4}, []uint32{recent[0].FCnt, recent[1].FCnt, recent[2].FCnt})

	node2, err := s.RecentReadingsForNode(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, node2, 3)
	for _, r := range node2 {
		assert.Equal(t, uint8(2), r.NodeID)
	}
	assert.Equal(t, uint32(5), node2[0].FCnt)
}

func TestWriteReading_StoresCanonicalJSON(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.WriteReading(ctx, testRecord("SIM_NODE", 1, 2, 21.5)))

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT raw_json FROM readings`).Scan(&raw))
	assert.Equal(t,
		`{"battery_mv":3800,"dev_eui":"SIM_NODE","fcnt":1,"humidity_pct":50,"node_id":2,"payload_version":1,"rssi":-90,"rx_time":"2026-03-01T12:00:01.000000Z","snr":5.5,"status_flags":0,"temp_c":21.5}`,
		raw)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "r.db"), 1)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.WriteReading(ctx, testRecord("A", 1, 1, 1)), ErrClosed)
	assert.ErrorIs(t, s.Flush(ctx), ErrClosed)
}

// Two stores on the same file stand in for two writer processes.
func TestConcurrentWriters_SameFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := openTestStore(t, path, 1)
	b := openTestStore(t, path, 1)

	const writes = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*writes)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := uint32(1); i <= writes; i++ {
				// Both writers race on the same keys.
				if err := s.WriteReading(ctx, testRecord("SIM_NODE", i, 1, float64(i))); err != nil {
					errs <- err
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, int64(writes), countReadings(t, path))
}
