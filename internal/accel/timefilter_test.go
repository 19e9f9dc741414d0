package accel

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios-runtime/internal/connectors"
)

func field(name string, dt arrow.DataType) *arrow.Field {
	return &arrow.Field{Name: name, Type: dt, Nullable: true}
}

func TestConvert_UnixSecondsScalesNanos(t *testing.T) {
	// Arrange
	c := NewTimestampFilterConvert(
		field("ts", arrow.PrimitiveTypes.Int64), "ts", TimeFormatUnixSeconds,
		nil, "", TimeFormatAuto)
	require.NotNil(t, c)

	// Act: 2h after epoch in nanoseconds.
	sql := c.ConvertSQL(uint64(2*time.Hour), connectors.OpGt)

	// Assert
	assert.Equal(t, `"ts" > 7200`, sql)
}

func TestConvert_UnixMillisScalesNanos(t *testing.T) {
	c := NewTimestampFilterConvert(
		field("ts", arrow.PrimitiveTypes.Int64), "ts", TimeFormatUnixMillis,
		nil, "", TimeFormatAuto)
	require.NotNil(t, c)

	sql := c.ConvertSQL(uint64(2*time.Hour), connectors.OpGtEq)

	assert.Equal(t, `"ts" >= 7200000`, sql)
}

func TestConvert_TimestampColumnCasts(t *testing.T) {
	c := NewTimestampFilterConvert(
		field("created_at", &arrow.TimestampType{Unit: arrow.Microsecond}), "created_at", TimeFormatAuto,
		nil, "", TimeFormatAuto)
	require.NotNil(t, c)

	sql := c.ConvertSQL(0, connectors.OpGt)

	assert.Contains(t, sql, `CAST("created_at" AS TIMESTAMP)`)
	assert.Contains(t, sql, "TIMESTAMP '1970-01-01 00:00:00'")
}

func TestConvert_PartitionColumnIsAnded(t *testing.T) {
	c := NewTimestampFilterConvert(
		field("ts", &arrow.TimestampType{Unit: arrow.Nanosecond}), "ts", TimeFormatAuto,
		field("ts_day", arrow.BinaryTypes.String), "ts_day", TimeFormatAuto)
	require.NotNil(t, c)

	sql := c.ConvertSQL(0, connectors.OpGt)

	assert.Contains(t, sql, " AND ")
	assert.Contains(t, sql, `"ts_day"`)

	filters := c.ConvertFilters(0, connectors.OpGt)
	require.Len(t, filters, 2)
	assert.Equal(t, "ts", filters[0].Column)
	assert.Equal(t, "ts_day", filters[1].Column)
}

func TestConvert_NilWithoutTimeColumn(t *testing.T) {
	assert.Nil(t, NewTimestampFilterConvert(nil, "ts", TimeFormatAuto, nil, "", TimeFormatAuto))
	assert.Nil(t, NewTimestampFilterConvert(
		field("ts", arrow.PrimitiveTypes.Int64), "", TimeFormatAuto, nil, "", TimeFormatAuto))
}

func TestWatermarkNanos(t *testing.T) {
	unix := NewTimestampFilterConvert(
		field("ts", arrow.PrimitiveTypes.Int64), "ts", TimeFormatUnixSeconds,
		nil, "", TimeFormatAuto)
	require.NotNil(t, unix)
	ns, ok := unix.WatermarkNanos(int64(7200))
	require.True(t, ok)
	assert.Equal(t, uint64(2*time.Hour), ns)

	tsCol := NewTimestampFilterConvert(
		field("ts", &arrow.TimestampType{Unit: arrow.Microsecond}), "ts", TimeFormatAuto,
		nil, "", TimeFormatAuto)
	require.NotNil(t, tsCol)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ns, ok = tsCol.WatermarkNanos(at)
	require.True(t, ok)
	assert.Equal(t, uint64(at.UnixNano()), ns)
}
