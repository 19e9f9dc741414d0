// Package accel owns the accelerated-table lifecycle: initial load, refresh
// scheduling, append and CDC ingestion, readiness signalling, and the
// timestamp filter translation that bounds refresh windows.
package accel

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/connectors"
)

// TimeFormat declares how a dataset's time column encodes instants.
type TimeFormat string

const (
	TimeFormatAuto        TimeFormat = ""
	TimeFormatISO8601     TimeFormat = "iso8601"
	TimeFormatUnixSeconds TimeFormat = "unix_seconds"
	TimeFormatUnixMillis  TimeFormat = "unix_millis"
	TimeFormatTimestamp   TimeFormat = "timestamp"
	TimeFormatTimestamptz TimeFormat = "timestamptz"
	TimeFormatDate        TimeFormat = "date"
)

type exprTimeKind int

const (
	exprKindUnix exprTimeKind = iota
	exprKindTimestamp
	exprKindTimestamptz
	exprKindDate
	exprKindISO8601
)

type exprTimeFormat struct {
	kind exprTimeKind
	// scale divides nanoseconds into the column's unit for unix columns.
	scale    uint64
	timeZone string
}

// TimestampFilterConvert translates a nanosecond instant into a predicate in
// the form the underlying column can evaluate: a scaled unix scalar for
// numeric columns, a cast-to-timestamp comparison otherwise. When a partition
// column is declared the equivalent partition predicate is AND-ed on, which
// lets listing-style sources prune partitions.
type TimestampFilterConvert struct {
	timeColumn string
	timeFormat exprTimeFormat

	partitionColumn string
	partitionFormat *exprTimeFormat
}

// NewTimestampFilterConvert builds a converter, or nil when the dataset does
// not declare a usable time column.
func NewTimestampFilterConvert(
	field *arrow.Field, timeColumn string, timeFormat TimeFormat,
	partitionField *arrow.Field, partitionColumn string, partitionTimeFormat TimeFormat,
) *TimestampFilterConvert {
	if field == nil || timeColumn == "" {
		return nil
	}
	format, ok := formatFor(field.Type, timeFormat)
	if !ok {
		return nil
	}
	c := &TimestampFilterConvert{timeColumn: timeColumn, timeFormat: format}
	if partitionField != nil && partitionColumn != "" {
		if pf, ok := formatFor(partitionField.Type, partitionTimeFormat); ok {
			c.partitionColumn = partitionColumn
			c.partitionFormat = &pf
		}
	}
	return c
}

func formatFor(dt arrow.DataType, declared TimeFormat) (exprTimeFormat, bool) {
	switch t := dt.(type) {
	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Int32Type, *arrow.Int64Type,
		*arrow.Uint8Type, *arrow.Uint16Type, *arrow.Uint32Type, *arrow.Uint64Type,
		*arrow.Float32Type, *arrow.Float64Type:
		scale := uint64(1)
		switch declared {
		case TimeFormatUnixSeconds:
			scale = 1_000_000_000
		case TimeFormatUnixMillis:
			scale = 1_000_000
		}
		return exprTimeFormat{kind: exprKindUnix, scale: scale}, true
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return exprTimeFormat{kind: exprKindTimestamptz, timeZone: t.TimeZone}, true
		}
		return exprTimeFormat{kind: exprKindTimestamp}, true
	case *arrow.Date32Type, *arrow.Date64Type:
		return exprTimeFormat{kind: exprKindDate}, true
	case *arrow.StringType, *arrow.LargeStringType:
		return exprTimeFormat{kind: exprKindISO8601}, true
	default:
		return exprTimeFormat{}, false
	}
}

// TimeColumn returns the translated time column name.
func (c *TimestampFilterConvert) TimeColumn() string { return c.timeColumn }

// ConvertSQL renders the predicate as a SQL fragment for SQL-speaking
// sources and the local store.
func (c *TimestampFilterConvert) ConvertSQL(tsNanos uint64, op connectors.CompareOp) string {
	expr := convertSQLExpr(tsNanos, c.timeColumn, c.timeFormat, op)
	if c.partitionColumn != "" && c.partitionFormat != nil {
		expr = fmt.Sprintf("(%s AND %s)",
			expr, convertSQLExpr(tsNanos, c.partitionColumn, *c.partitionFormat, op))
	}
	return expr
}

func convertSQLExpr(tsNanos uint64, column string, format exprTimeFormat, op connectors.CompareOp) string {
	quoted := fmt.Sprintf("%q", column)
	switch format.kind {
	case exprKindUnix:
		return fmt.Sprintf("%s %s %d", quoted, op, tsNanos/format.scale)
	case exprKindTimestamptz:
		// Zoned columns compare as instants against a UTC literal, so the
		// column's time zone is kept.
		ts := time.Unix(0, int64(tsNanos)).UTC()
		return fmt.Sprintf("CAST(%s AS TIMESTAMPTZ) %s TIMESTAMPTZ '%s+00'",
			quoted, op, ts.Format("2006-01-02 15:04:05.999999999"))
	default:
		// The time unit of the column is unknown before filtering; cast both
		// sides to a timestamp for a safe comparison.
		ts := time.Unix(0, int64(tsNanos)).UTC()
		return fmt.Sprintf("CAST(%s AS TIMESTAMP) %s TIMESTAMP '%s'",
			quoted, op, ts.Format("2006-01-02 15:04:05.999999999"))
	}
}

// ConvertFilters renders the predicate as connector push-down filters; the
// partition predicate rides along when declared.
func (c *TimestampFilterConvert) ConvertFilters(tsNanos uint64, op connectors.CompareOp) []connectors.Filter {
	filters := []connectors.Filter{convertFilter(tsNanos, c.timeColumn, c.timeFormat, op)}
	if c.partitionColumn != "" && c.partitionFormat != nil {
		filters = append(filters, convertFilter(tsNanos, c.partitionColumn, *c.partitionFormat, op))
	}
	return filters
}

func convertFilter(tsNanos uint64, column string, format exprTimeFormat, op connectors.CompareOp) connectors.Filter {
	switch format.kind {
	case exprKindUnix:
		return connectors.Filter{Column: column, Op: op, Value: int64(tsNanos / format.scale)}
	case exprKindDate:
		return connectors.Filter{Column: column, Op: op,
			Value: time.Unix(0, int64(tsNanos)).UTC().Format("2006-01-02")}
	default:
		return connectors.Filter{Column: column, Op: op,
			Value: time.Unix(0, int64(tsNanos)).UTC().Format(time.RFC3339Nano)}
	}
}

// WatermarkNanos interprets a value read back from the local store's time
// column as nanoseconds since the epoch.
func (c *TimestampFilterConvert) WatermarkNanos(v any) (uint64, bool) {
	switch c.timeFormat.kind {
	case exprKindUnix:
		switch t := v.(type) {
		case int64:
			return uint64(t) * c.timeFormat.scale, true
		case uint64:
			return t * c.timeFormat.scale, true
		case float64:
			return uint64(t) * c.timeFormat.scale, true
		}
	default:
		switch t := v.(type) {
		case time.Time:
			return uint64(t.UnixNano()), true
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return uint64(ts.UnixNano()), true
			}
		}
	}
	return 0, false
}
