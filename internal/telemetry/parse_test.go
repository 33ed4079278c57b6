package telemetry_test

import (
	"testing"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	out := "0, 97, 70123, 81559, 398.51, 400.00, 71\n" +
		"1, 0, 4, 81559, 61.20, 400.00, 34\n"

	metrics, err := telemetry.ParseCSV(out)
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	assert.Equal(t, telemetry.DeviceMetrics{
		Index:       "0",
		UtilPercent: 97,
		MemUsedMB:   70123,
		MemTotalMB:  81559,
		PowerDrawW:  398.51,
		PowerLimitW: 400,
		TempC:       71,
	}, metrics[0])
	assert.Equal(t, "1", metrics[1].Index)
	assert.InDelta(t, 34.0, metrics[1].TempC, 1e-9)
}

func TestParseCSVSkipsShortLines(t *testing.T) {
	out := "0, 50, 100, 1000, 100, 200, 40\n" +
		"garbage line\n" +
		"1, 2, 3\n" +
		"\n" +
		"2, 10, 200, 1000, 90, 200, 41\n"

	metrics, err := telemetry.ParseCSV(out)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "0", metrics[0].Index)
	assert.Equal(t, "2", metrics[1].Index)
}

func TestParseCSVNonNumericRecordFailsBatch(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{
			name: "first device",
			out: "0, 50, 100, 1000, [N/A], [N/A], 40\n" +
				"1, 60, 100, 1000, 120, 250, 45\n",
		},
		{
			name: "second device",
			out: "0, 60, 100, 1000, 120, 250, 45\n" +
				"1, 50, 100, 1000, [N/A], 250, 40\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, err := telemetry.ParseCSV(tt.out)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, telemetry.ErrMalformedBatch))
			assert.Nil(t, metrics)
		})
	}
}

func TestParseCSVAllMalformed(t *testing.T) {
	_, err := telemetry.ParseCSV("0, x, y, z, a, b, c\n")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrMalformedBatch))
}

func TestParseCSVEmpty(t *testing.T) {
	metrics, err := telemetry.ParseCSV("")
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestParseCSVExtraFieldsIgnored(t *testing.T) {
	metrics, err := telemetry.ParseCSV("GPU-abc, 1, 2, 3, 4, 5, 6, extra\n")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "GPU-abc", metrics[0].Index)
}

func TestSnapshotFind(t *testing.T) {
	snap := telemetry.Snapshot{Devices: []telemetry.DeviceMetrics{
		{Index: "0", MemUsedMB: 1},
		{Index: "1", MemUsedMB: 2},
	}}

	m, ok := snap.Find("1")
	require.True(t, ok)
	assert.InDelta(t, 2.0, m.MemUsedMB, 1e-9)

	_, ok = snap.Find("7")
	assert.False(t, ok)
}

func TestMemUsedBytes(t *testing.T) {
	assert.Equal(t, uint64(3)<<20, telemetry.DeviceMetrics{MemUsedMB: 3}.MemUsedBytes())
	assert.Zero(t, telemetry.DeviceMetrics{MemUsedMB: -1}.MemUsedBytes())
}
