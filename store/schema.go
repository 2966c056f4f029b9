package store

import (
	"fmt"
	"strings"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/telemetry"
)

// Table names, one per persistable variant
const (
	tableSensorReading = "sensor_reading"
	tableMetricsReport = "metrics_report"
	tableAlertEvent    = "alert_event"
)

// createStatements bootstraps the schema. Migrations are an external
// collaborator; this only guarantees the tables the writer needs exist.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensor_reading (
		id           BIGSERIAL PRIMARY KEY,
		device_id    TEXT NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL,
		sequence     BIGINT NOT NULL,
		sensor_type  TEXT NOT NULL,
		value        DOUBLE PRECISION NOT NULL,
		unit         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_report (
		id            BIGSERIAL PRIMARY KEY,
		device_id     TEXT NOT NULL,
		recorded_at   TIMESTAMPTZ NOT NULL,
		sequence      BIGINT NOT NULL,
		cpu_pct       DOUBLE PRECISION NOT NULL,
		ram_pct       DOUBLE PRECISION NOT NULL,
		disk_pct      DOUBLE PRECISION NOT NULL,
		network_bytes BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_event (
		id           BIGSERIAL PRIMARY KEY,
		device_id    TEXT NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL,
		sequence     BIGINT NOT NULL,
		severity     TEXT NOT NULL,
		code         TEXT NOT NULL,
		message      TEXT NOT NULL
	)`,
}

// insertSpec describes how a variant maps onto its table
type insertSpec struct {
	table   string
	columns []string
	values  func(env telemetry.Envelope) []any
}

var insertSpecs = map[telemetry.Kind]insertSpec{
	telemetry.KindSensorReading: {
		table:   tableSensorReading,
		columns: []string{"device_id", "recorded_at", "sequence", "sensor_type", "value", "unit"},
		values: func(env telemetry.Envelope) []any {
			return []any{env.DeviceID, env.Timestamp, int64(env.Sequence),
				env.Sensor.SensorType, env.Sensor.Value, env.Sensor.Unit}
		},
	},
	telemetry.KindMetricsReport: {
		table:   tableMetricsReport,
		columns: []string{"device_id", "recorded_at", "sequence", "cpu_pct", "ram_pct", "disk_pct", "network_bytes"},
		values: func(env telemetry.Envelope) []any {
			return []any{env.DeviceID, env.Timestamp, int64(env.Sequence),
				env.Metrics.CPUPct, env.Metrics.RAMPct, env.Metrics.DiskPct, env.Metrics.NetworkBytes}
		},
	},
	telemetry.KindAlertEvent: {
		table:   tableAlertEvent,
		columns: []string{"device_id", "recorded_at", "sequence", "severity", "code", "message"},
		values: func(env telemetry.Envelope) []any {
			return []any{env.DeviceID, env.Timestamp, int64(env.Sequence),
				string(env.Alert.Severity), env.Alert.Code, env.Alert.Message}
		},
	},
}

// maxBindParams is PostgreSQL's extended-protocol limit on bind parameters
// in a single statement.
const maxBindParams = 65535

// insertStmt is one rendered INSERT and its arguments
type insertStmt struct {
	sql  string
	args []any
}

// buildInserts renders the multi-row INSERT statements for a batch. Most
// batches fit a single statement; one whose rows would exceed the bind
// parameter limit splits into chunks, all executed inside the same
// transaction so the batch still commits or fails as a whole.
func buildInserts(b *batch.Batch) ([]insertStmt, error) {
	spec, ok := insertSpecs[b.Kind]
	if !ok {
		return nil, fmt.Errorf("no insert mapping for kind %s", b.Kind)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("empty batch for kind %s", b.Kind)
	}

	maxRows := maxBindParams / len(spec.columns)
	stmts := make([]insertStmt, 0, (b.Len()+maxRows-1)/maxRows)
	for start := 0; start < b.Len(); start += maxRows {
		end := start + maxRows
		if end > b.Len() {
			end = b.Len()
		}
		stmts = append(stmts, renderInsert(spec, b.Envelopes[start:end]))
	}
	return stmts, nil
}

// renderInsert renders one multi-row INSERT over a slice of envelopes, the
// bulk shape that keeps per-record store overhead minimal.
func renderInsert(spec insertSpec, envs []telemetry.Envelope) insertStmt {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		spec.table, strings.Join(spec.columns, ", "))

	args := make([]any, 0, len(envs)*len(spec.columns))
	placeholder := 1
	for i, env := range envs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range spec.columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
		}
		sb.WriteByte(')')
		args = append(args, spec.values(env)...)
	}

	return insertStmt{sql: sb.String(), args: args}
}
