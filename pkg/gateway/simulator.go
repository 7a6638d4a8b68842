// Package gateway produces uplink envelopes: a simulator standing in for
// a real gateway, and a reader for recorded JSON lines.
package gateway

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/josemorales956/dsn-base-station/pkg/payload"
	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// SimulatorConfig controls the simulated uplink stream.
type SimulatorConfig struct {
	NodeIDs []uint8
	Period  time.Duration // zero disables pacing
	BadRate float64       // share of packets with a corrupted byte, clamped to [0, 1]
	DevEUI  string
	Count   int // zero streams forever
}

// DefaultSimulatorConfig mirrors the bench setup: three nodes, one
// uplink every two seconds, 20% corrupted.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		NodeIDs: []uint8{1, 2, 3},
		Period:  2 * time.Second,
		BadRate: 0.2,
		DevEUI:  "SIM_NODE",
	}
}

// Simulator generates random readings for a fixed set of nodes and
// corrupts a share of them by flipping one bit of byte 2.
type Simulator struct {
	cfg     SimulatorConfig
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	fcnt uint32
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithRand sets the random source, for reproducible streams.
func WithRand(rng *rand.Rand) SimulatorOption {
	return func(s *Simulator) { s.rng = rng }
}

// WithSimulatorClock sets the clock used for rx_time.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a simulator. Missing fields fall back to
// DefaultSimulatorConfig.
func NewSimulator(cfg SimulatorConfig, opts ...SimulatorOption) *Simulator {
	def := DefaultSimulatorConfig()
	if len(cfg.NodeIDs) == 0 {
		cfg.NodeIDs = def.NodeIDs
	}
	if cfg.DevEUI == "" {
		cfg.DevEUI = def.DevEUI
	}
	cfg.BadRate = max(0, min(1, cfg.BadRate))

	limit := rate.Inf
	if cfg.Period > 0 {
		limit = rate.Every(cfg.Period)
	}

	s := &Simulator{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)), //nolint:gosec // test data
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next waits for the next pacing slot and returns a new envelope. It
// returns io.EOF once Count envelopes have been produced.
func (s *Simulator) Next(ctx context.Context) (telemetry.Envelope, error) {
	s.mu.Lock()
	if s.cfg.Count > 0 && int(s.fcnt) >= s.cfg.Count {
		s.mu.Unlock()
		return telemetry.Envelope{}, io.EOF
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return telemetry.Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Count > 0 && int(s.fcnt) >= s.cfg.Count {
		return telemetry.Envelope{}, io.EOF
	}

	s.fcnt++
	reading := payload.Reading{
		Version:     payload.DefaultVersion,
		NodeID:      s.cfg.NodeIDs[s.rng.IntN(len(s.cfg.NodeIDs))],
		TempC:       s.uniform(18, 34),
		HumidityPct: s.uniform(20, 80),
		BatteryMV:   uint16(3600 + s.rng.IntN(601)),
	}
	raw := payload.MustEncode(reading)
	if s.rng.Float64() < s.cfg.BadRate {
		raw[2] ^= 0x01
	}

	return telemetry.Envelope{
		RxTime:  s.now().UTC().Format(telemetry.TimeLayout),
		DevEUI:  s.cfg.DevEUI,
		FCnt:    telemetry.FCnt(s.fcnt),
		RSSI:    s.uniform(-115, -60),
		SNR:     s.uniform(-5, 12),
		Payload: raw,
	}, nil
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}
