// Package telemetry defines the uplink data model shared by the ingest
// pipeline, the sinks and the store.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/josemorales956/dsn-base-station/pkg/payload"
)

// TimeLayout is the canonical receive-time format. Fixed microsecond
// precision keeps stored values lexically ordered. Finer receive times
// are truncated by NewRecord.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	ErrMissingDevEUI = errors.New("missing device identity")
	ErrMissingFCnt   = errors.New("missing frame counter")
	ErrMissingRxTime = errors.New("missing receive time")

	// ErrBadEnvelope marks input that could not be parsed into an
	// Envelope at all.
	ErrBadEnvelope = errors.New("bad envelope")
)

// Envelope is a single uplink as handed over by the gateway. Payload may
// be any length; validating it is the codec's job.
type Envelope struct {
	RxTime  string  `json:"rx_time"`
	DevEUI  string  `json:"dev_eui"`
	FCnt    *uint32 `json:"fcnt"`
	RSSI    float64 `json:"rssi"`
	SNR     float64 `json:"snr"`
	Payload []byte  `json:"payload_raw"`
}

// Record is a normalized reading: envelope metadata merged with every
// decoded payload field. (DevEUI, FCnt) is its natural key.
type Record struct {
	RxTime         time.Time `json:"rx_time"`
	DevEUI         string    `json:"dev_eui"`
	FCnt           uint32    `json:"fcnt"`
	RSSI           float64   `json:"rssi"`
	SNR            float64   `json:"snr"`
	PayloadVersion uint8     `json:"payload_version"`
	NodeID         uint8     `json:"node_id"`
	TempC          float64   `json:"temp_c"`
	HumidityPct    float64   `json:"humidity_pct"`
	BatteryMV      uint16    `json:"battery_mv"`
	StatusFlags    uint8     `json:"status_flags"`
}

// NewRecord builds a Record from an envelope and its decoded payload.
// Envelope metadata is assigned first and decoded fields last, so the
// payload wins should the two ever carry the same field. The receive
// time is truncated to whole microseconds, the precision of TimeLayout,
// so the record equals what the store and sinks persist.
func NewRecord(env Envelope, r payload.Reading) (Record, error) {
	if env.DevEUI == "" {
		return Record{}, ErrMissingDevEUI
	}
	if env.FCnt == nil {
		return Record{}, ErrMissingFCnt
	}
	if env.RxTime == "" {
		return Record{}, ErrMissingRxTime
	}
	rx, err := time.Parse(time.RFC3339Nano, env.RxTime)
	if err != nil {
		return Record{}, fmt.Errorf("invalid receive time %q: %w", env.RxTime, err)
	}

	rec := Record{
		RxTime: rx.UTC().Truncate(time.Microsecond),
		DevEUI: env.DevEUI,
		FCnt:   *env.FCnt,
		RSSI:   env.RSSI,
		SNR:    env.SNR,
	}
	rec.PayloadVersion = r.Version
	rec.NodeID = r.NodeID
	rec.TempC = r.TempC
	rec.HumidityPct = r.HumidityPct
	rec.BatteryMV = r.BatteryMV
	rec.StatusFlags = r.StatusFlags
	return rec, nil
}

// Reading returns the decoded payload portion of the record.
func (r Record) Reading() payload.Reading {
	return payload.Reading{
		Version:     r.PayloadVersion,
		NodeID:      r.NodeID,
		TempC:       r.TempC,
		HumidityPct: r.HumidityPct,
		BatteryMV:   r.BatteryMV,
		StatusFlags: r.StatusFlags,
	}
}

// RxTimeString formats the receive time with TimeLayout.
func (r Record) RxTimeString() string {
	return r.RxTime.UTC().Format(TimeLayout)
}

// MarshalJSON renders rx_time with TimeLayout instead of RFC 3339 nano.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		alias
		RxTime string `json:"rx_time"`
	}{alias: alias(r), RxTime: r.RxTimeString()})
}

// UnmarshalJSON accepts any RFC 3339 receive time.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		RxTime string `json:"rx_time"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RxTime == "" {
		r.RxTime = time.Time{}
		return nil
	}
	rx, err := time.Parse(time.RFC3339Nano, aux.RxTime)
	if err != nil {
		return fmt.Errorf("invalid rx_time %q: %w", aux.RxTime, err)
	}
	r.RxTime = rx.UTC()
	return nil
}

// Failure is a best-effort capture of an uplink that did not produce a
// Record. Empty RxTime or DevEUI and a nil FCnt mean unknown.
type Failure struct {
	RxTime     string    `json:"rx_time,omitempty"`
	DevEUI     string    `json:"dev_eui,omitempty"`
	FCnt       *uint32   `json:"fcnt,omitempty"`
	Message    string    `json:"error"`
	ObservedAt time.Time `json:"observed_at"`
}

// FormatFCnt renders an optional frame counter for log messages.
func FormatFCnt(fcnt *uint32) string {
	if fcnt == nil {
		return "none"
	}
	return strconv.FormatUint(uint64(*fcnt), 10)
}

// FCnt returns a pointer to v, for building envelopes.
func FCnt(v uint32) *uint32 {
	return &v
}
