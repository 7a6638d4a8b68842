// Package policy evaluates an optional CEL acceptance expression against
// normalized records. Records the expression rejects are reported as
// failures by the ingest service instead of being stored as readings.
//
// Every record field is bound as a top-level variable:
//
//	battery_mv > 3500 && temp_c < 60
//	dev_eui == "SIM_NODE" && node_id in [1, 2, 3]
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

var (
	ErrInvalidExpression = errors.New("invalid policy expression")
	ErrEvaluation        = errors.New("policy evaluation failed")
)

// Policy is a compiled acceptance expression. A nil *Policy accepts
// every record.
type Policy struct {
	expr string
	prg  cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.CrossTypeNumericComparisons(true),
		cel.Variable("rx_time", cel.TimestampType),
		cel.Variable("dev_eui", cel.StringType),
		cel.Variable("fcnt", cel.IntType),
		cel.Variable("rssi", cel.DoubleType),
		cel.Variable("snr", cel.DoubleType),
		cel.Variable("payload_version", cel.IntType),
		cel.Variable("node_id", cel.IntType),
		cel.Variable("temp_c", cel.DoubleType),
		cel.Variable("humidity_pct", cel.DoubleType),
		cel.Variable("battery_mv", cel.IntType),
		cel.Variable("status_flags", cel.IntType),
	)
}

// Compile parses and type-checks expr. The expression must evaluate to
// a bool. An empty expression yields a nil Policy.
func Compile(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q yields %s, want bool", ErrInvalidExpression, expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *Policy) Expr() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Accept reports whether rec passes the policy.
func (p *Policy) Accept(rec telemetry.Record) (bool, error) {
	if p == nil {
		return true, nil
	}

	val, _, err := p.prg.Eval(activation(rec))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: non-bool result %v", ErrEvaluation, val.Value())
	}
	return ok, nil
}

func activation(rec telemetry.Record) map[string]any {
	return map[string]any{
		"rx_time":         rec.RxTime,
		"dev_eui":         rec.DevEUI,
		"fcnt":            int64(rec.FCnt),
		"rssi":            rec.RSSI,
		"snr":             rec.SNR,
		"payload_version": int64(rec.PayloadVersion),
		"node_id":         int64(rec.NodeID),
		"temp_c":          rec.TempC,
		"humidity_pct":    rec.HumidityPct,
		"battery_mv":      int64(rec.BatteryMV),
		"status_flags":    int64(rec.StatusFlags),
	}
}
