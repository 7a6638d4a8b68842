// Package config loads base station settings from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// MinBusyTimeout is the shortest lock wait the store accepts.
const MinBusyTimeout = 30 * time.Second

//go:embed config.schema.json
var schemaJSON string

const schemaURL = "https://basestation.schemas.local/config.schema.json"

// Config holds runtime configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	DBDriver    string
	DBPath      string // file path for sqlite, DSN for postgres
	BatchSize   int
	BusyTimeout time.Duration

	JSONLPath    string
	ErrorLogPath string
	RedisAddr    string

	HTTPAddr string // live feed and query API; empty disables it

	AcceptExpr   string
	OTLPEndpoint string

	SimNodeIDs []uint8
	SimPeriod  time.Duration
	SimBadRate float64
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "INFO",
		LogFormat:    "text",
		DBDriver:     "sqlite",
		DBPath:       "data/readings.sqlite3",
		BatchSize:    1,
		BusyTimeout:  MinBusyTimeout,
		JSONLPath:    "data/uplinks.jsonl",
		ErrorLogPath: "logs/errors.log",
		SimNodeIDs:   []uint8{1, 2, 3},
		SimPeriod:    2 * time.Second,
		SimBadRate:   0.3,
	}
}

// Load returns defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile returns defaults overridden by the YAML file at path, then by
// environment variables. The file is checked against the embedded JSON
// schema before it is applied.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := cfg.applyYAML(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalid, c.BatchSize)
	}
	if c.BusyTimeout < MinBusyTimeout {
		return fmt.Errorf("%w: busy timeout must be >= %s, got %s", ErrInvalid, MinBusyTimeout, c.BusyTimeout)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.DBDriver)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalid)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.SimBadRate < 0 || c.SimBadRate > 1 {
		return fmt.Errorf("%w: simulator bad rate must be within [0, 1], got %g", ErrInvalid, c.SimBadRate)
	}
	if len(c.SimNodeIDs) == 0 {
		return fmt.Errorf("%w: simulator needs at least one node id", ErrInvalid)
	}
	return nil
}

// SlogLevel returns the parsed log level. Validate guarantees it parses.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.DBDriver, "BASESTATION_DB_DRIVER")
	setString(&c.DBPath, "BASESTATION_DB_PATH")
	setString(&c.JSONLPath, "BASESTATION_JSONL_PATH")
	setString(&c.ErrorLogPath, "BASESTATION_ERROR_LOG_PATH")
	setString(&c.RedisAddr, "BASESTATION_REDIS_ADDR")
	setString(&c.HTTPAddr, "BASESTATION_HTTP_ADDR")
	setString(&c.AcceptExpr, "BASESTATION_ACCEPT_EXPR")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("BASESTATION_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BASESTATION_BATCH_SIZE: %w", ErrInvalid, err)
		}
		c.BatchSize = n
	}
	if v := os.Getenv("BASESTATION_BUSY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: BASESTATION_BUSY_TIMEOUT: %w", ErrInvalid, err)
		}
		c.BusyTimeout = d
	}
	if v := os.Getenv("BASESTATION_SIM_BAD_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: BASESTATION_SIM_BAD_RATE: %w", ErrInvalid, err)
		}
		c.SimBadRate = f
	}
	if v := os.Getenv("BASESTATION_SIM_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: BASESTATION_SIM_PERIOD: %w", ErrInvalid, err)
		}
		c.SimPeriod = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// fileConfig mirrors config.schema.json.
type fileConfig struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Driver      string        `yaml:"driver"`
		Path        string        `yaml:"path"`
		BatchSize   int           `yaml:"batch_size"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"store"`
	Sinks struct {
		JSONL    string `yaml:"jsonl"`
		ErrorLog string `yaml:"error_log"`
		Redis    string `yaml:"redis"`
	} `yaml:"sinks"`
	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`
	Policy struct {
		Accept string `yaml:"accept"`
	} `yaml:"policy"`
	Simulator struct {
		NodeIDs []uint8       `yaml:"node_ids"`
		Period  time.Duration `yaml:"period"`
		BadRate *float64      `yaml:"bad_rate"`
	} `yaml:"simulator"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

func (c *Config) applyYAML(data []byte) error {
	if err := validateSchema(data); err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	overlay(&c.LogLevel, fc.Log.Level)
	overlay(&c.LogFormat, fc.Log.Format)
	overlay(&c.DBDriver, fc.Store.Driver)
	overlay(&c.DBPath, fc.Store.Path)
	overlay(&c.BatchSize, fc.Store.BatchSize)
	overlay(&c.BusyTimeout, fc.Store.BusyTimeout)
	overlay(&c.JSONLPath, fc.Sinks.JSONL)
	overlay(&c.ErrorLogPath, fc.Sinks.ErrorLog)
	overlay(&c.RedisAddr, fc.Sinks.Redis)
	overlay(&c.HTTPAddr, fc.HTTP.Listen)
	overlay(&c.AcceptExpr, fc.Policy.Accept)
	overlay(&c.SimPeriod, fc.Simulator.Period)
	overlay(&c.OTLPEndpoint, fc.Telemetry.OTLPEndpoint)
	if len(fc.Simulator.NodeIDs) > 0 {
		c.SimNodeIDs = fc.Simulator.NodeIDs
	}
	if fc.Simulator.BadRate != nil {
		c.SimBadRate = *fc.Simulator.BadRate
	}
	return nil
}

func overlay[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// validateSchema round-trips the YAML document through JSON so the
// validator sees JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("config schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("config schema compile failed: %w", err)
	}
	return schema, nil
}
