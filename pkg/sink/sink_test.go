package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

func testRecord(fcnt uint32) telemetry.Record {
	return telemetry.Record{
		RxTime:         time.Date(2026, 3, 1, 12, 0, int(fcnt), 0, time.UTC),
		DevEUI:         "SIM_NODE",
		FCnt:           fcnt,
		RSSI:           -90,
		SNR:            5.5,
		PayloadVersion: 1,
		NodeID:         2,
		TempC:          21.5,
		HumidityPct:    55.25,
		BatteryMV:      3900,
	}
}

func decodeLines(t *testing.T, data []byte) []telemetry.Record {
	t.Helper()
	var out []telemetry.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec telemetry.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSON_WritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSON(&buf)
	ctx := context.Background()

	require.NoError(t, s.WriteReading(ctx, testRecord(1)))
	require.NoError(t, s.WriteReading(ctx, testRecord(2)))

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 2)
	assert.Equal(t, testRecord(1), recs[0])
	assert.Equal(t, uint32(2), recs[1].FCnt)
	assert.Contains(t, buf.String(), `"rx_time":"2026-03-01T12:00:01.000000Z"`)
}

func TestJSONLFile_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "uplinks.jsonl")
	ctx := context.Background()

	s, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteReading(ctx, testRecord(1)))
	require.NoError(t, s.Close())

	s, err = OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteReading(ctx, testRecord(2)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	recs := decodeLines(t, data)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(1), recs[0].FCnt)
	assert.Equal(t, uint32(2), recs[1].FCnt)

	assert.Error(t, s.WriteReading(ctx, testRecord(3)))
}

func TestJSONLFile_Zstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplinks.jsonl.zst")
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		s, err := OpenJSONL(path)
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.WriteReading(ctx, testRecord(uint32(run*3+i))))
		}
		require.NoError(t, s.Close())
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)

	recs := decodeLines(t, plain)
	require.Len(t, recs, 6)
	for i, rec := range recs {
		assert.Equal(t, uint32(i+1), rec.FCnt)
	}
}

func TestErrorLog_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "errors.log")
	ctx := context.Background()

	s, err := OpenErrorLog(path)
	require.NoError(t, err)

	observed := time.Date(2026, 3, 1, 12, 0, 1, 250000000, time.FixedZone("EST", -5*3600))
	require.NoError(t, s.WriteFailure(ctx, telemetry.Failure{
		FCnt:       telemetry.FCnt(1),
		Message:    "decode failed for fcnt=1: crc mismatch: got 0x8D, want 0x8C",
		ObservedAt: observed,
	}))
	require.NoError(t, s.WriteFailure(ctx, telemetry.Failure{Message: "second", ObservedAt: observed}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"[2026-03-01T17:00:01.250000] decode failed for fcnt=1: crc mismatch: got 0x8D, want 0x8C\n"+
			"[2026-03-01T17:00:01.250000] second\n",
		string(data))

	assert.Error(t, s.WriteFailure(ctx, telemetry.Failure{Message: "late"}))
}
