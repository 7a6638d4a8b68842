package store

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialect captures the SQL differences between supported engines.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name   string
	schema []string
}

var SQLite = Dialect{
	Name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			rx_time         TEXT NOT NULL,
			dev_eui         TEXT NOT NULL,
			fcnt            INTEGER NOT NULL,
			rssi            REAL NOT NULL,
			snr             REAL NOT NULL,
			payload_version INTEGER NOT NULL,
			node_id         INTEGER NOT NULL,
			temp_c          REAL NOT NULL,
			humidity_pct    REAL NOT NULL,
			battery_mv      INTEGER NOT NULL,
			status_flags    INTEGER NOT NULL,
			raw_json        TEXT NOT NULL,
			UNIQUE (dev_eui, fcnt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_rx_time ON readings (rx_time)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_time ON readings (node_id, rx_time)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			rx_time     TEXT,
			dev_eui     TEXT,
			fcnt        INTEGER,
			error       TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_observed_at ON failures (observed_at)`,
	},
}

var Postgres = Dialect{
	Name: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id              BIGSERIAL PRIMARY KEY,
			rx_time         TEXT NOT NULL,
			dev_eui         TEXT NOT NULL,
			fcnt            BIGINT NOT NULL,
			rssi            DOUBLE PRECISION NOT NULL,
			snr             DOUBLE PRECISION NOT NULL,
			payload_version SMALLINT NOT NULL,
			node_id         SMALLINT NOT NULL,
			temp_c          DOUBLE PRECISION NOT NULL,
			humidity_pct    DOUBLE PRECISION NOT NULL,
			battery_mv      INTEGER NOT NULL,
			status_flags    SMALLINT NOT NULL,
			raw_json        TEXT NOT NULL,
			UNIQUE (dev_eui, fcnt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_rx_time ON readings (rx_time)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_time ON readings (node_id, rx_time)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id          BIGSERIAL PRIMARY KEY,
			rx_time     TEXT,
			dev_eui     TEXT,
			fcnt        BIGINT,
			error       TEXT NOT NULL,
			observed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_observed_at ON failures (observed_at)`,
	},
}

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return SQLite, nil
	case DriverPostgres:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, driver)
	}
}

// Rebind rewrites '?' placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d.Name != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
