// Package ingest turns raw uplink envelopes into normalized records or
// failure reports, and drives them into sinks and the store.
package ingest

import (
	"fmt"
	"time"

	"github.com/josemorales956/dsn-base-station/pkg/payload"
	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// Outcome is the result of processing one envelope. Exactly one of
// Record and Failure is set.
type Outcome struct {
	Record  *telemetry.Record
	Failure *telemetry.Failure
}

// OK reports whether the envelope produced a record.
func (o Outcome) OK() bool {
	return o.Record != nil
}

// Pipeline decodes envelopes. It performs no I/O; the clock is only
// read to stamp failures.
type Pipeline struct {
	now func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock overrides the wall clock used for Failure.ObservedAt.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one envelope synchronously: one envelope in, one
// outcome out. Malformed payloads never escape as errors.
func (p *Pipeline) Process(env telemetry.Envelope) Outcome {
	reading, err := payload.Decode(env.Payload)
	if err != nil {
		return p.fail(env, fmt.Sprintf("decode failed for fcnt=%s: %v", telemetry.FormatFCnt(env.FCnt), err))
	}

	rec, err := telemetry.NewRecord(env, reading)
	if err != nil {
		return p.fail(env, fmt.Sprintf("invalid envelope for fcnt=%s: %v", telemetry.FormatFCnt(env.FCnt), err))
	}
	return Outcome{Record: &rec}
}

func (p *Pipeline) fail(env telemetry.Envelope, msg string) Outcome {
	f := &telemetry.Failure{
		RxTime:     env.RxTime,
		DevEUI:     env.DevEUI,
		Message:    msg,
		ObservedAt: p.now().UTC(),
	}
	if env.FCnt != nil {
		fcnt := *env.FCnt
		f.FCnt = &fcnt
	}
	return Outcome{Failure: f}
}
