package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

const maxLineSize = 1 << 20

// LineError reports an unparseable input line. It matches
// telemetry.ErrBadEnvelope; the source stays usable after returning it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() []error { return []error{telemetry.ErrBadEnvelope, e.Err} }

// JSONLSource reads envelopes from JSON lines, one object per line.
// payload_raw is base64 as produced by encoding/json for []byte. Blank
// lines are skipped.
type JSONLSource struct {
	sc   *bufio.Scanner
	line int
}

// NewJSONLSource reads from r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLSource{sc: sc}
}

// Next returns the next envelope, a *LineError for a malformed line, or
// io.EOF at end of input.
func (s *JSONLSource) Next(ctx context.Context) (telemetry.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return telemetry.Envelope{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return telemetry.Envelope{}, fmt.Errorf("read envelopes: %w", err)
			}
			return telemetry.Envelope{}, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var env telemetry.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return telemetry.Envelope{}, &LineError{Line: s.line, Err: err}
		}
		return env, nil
	}
}
