package exporter_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/exporter"
	"codeberg.org/mutker/nvidiastress/internal/stress"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSetsDeviceGauges(t *testing.T) {
	e := exporter.New()

	snap := telemetry.Snapshot{
		Timestamp: time.Unix(1700000000, 0),
		Devices: []telemetry.DeviceMetrics{
			{Index: "0", UtilPercent: 97, MemUsedMB: 1024, MemTotalMB: 2048, PowerDrawW: 250, PowerLimitW: 300, TempC: 66},
			{Index: "1", UtilPercent: 3, MemUsedMB: 0, MemTotalMB: 2048, PowerDrawW: 40, PowerLimitW: 300, TempC: 31},
		},
	}
	require.NoError(t, e.Record(context.Background(), snap))

	expected := `
# HELP nvidiastress_gpu_memory_used_bytes Device memory in use.
# TYPE nvidiastress_gpu_memory_used_bytes gauge
nvidiastress_gpu_memory_used_bytes{gpu="0"} 1.073741824e+09
nvidiastress_gpu_memory_used_bytes{gpu="1"} 0
# HELP nvidiastress_gpu_utilization_percent GPU utilization reported by telemetry.
# TYPE nvidiastress_gpu_utilization_percent gauge
nvidiastress_gpu_utilization_percent{gpu="0"} 97
nvidiastress_gpu_utilization_percent{gpu="1"} 3
`
	err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"nvidiastress_gpu_memory_used_bytes", "nvidiastress_gpu_utilization_percent")
	require.NoError(t, err)

	assert.Equal(t, float64(1700000000), gaugeValue(t, e, "nvidiastress_telemetry_last_poll_timestamp_seconds"))
}

func TestObserverTracksDriverProgress(t *testing.T) {
	e := exporter.New()

	e.StateChanged(0, stress.StateFillerAllocation)
	e.FillerAllocated(0, 4<<30)
	e.StateChanged(0, stress.StateComputeLoop)
	for i := 0; i < 5; i++ {
		e.IterationCompleted(0)
	}
	e.IterationCompleted(1)

	expected := `
# HELP nvidiastress_driver_iterations_total Completed compute iterations.
# TYPE nvidiastress_driver_iterations_total counter
nvidiastress_driver_iterations_total{gpu="0"} 5
nvidiastress_driver_iterations_total{gpu="1"} 1
# HELP nvidiastress_driver_filler_bytes Size of the filler allocation held by each driver.
# TYPE nvidiastress_driver_filler_bytes gauge
nvidiastress_driver_filler_bytes{gpu="0"} 4.294967296e+09
`
	require.NoError(t, testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"nvidiastress_driver_iterations_total", "nvidiastress_driver_filler_bytes"))

	assert.Equal(t, len(stress.States()), sampleCount(t, e, "nvidiastress_driver_state"))
	assert.Equal(t, 1.0, stateValue(t, e, "0", "compute_loop"))
	assert.Equal(t, 0.0, stateValue(t, e, "0", "filler_allocation"))

	e.StateChanged(0, stress.StateTeardown)
	assert.Equal(t, 1.0, stateValue(t, e, "0", "teardown"))
	assert.Equal(t, 0.0, stateValue(t, e, "0", "compute_loop"))
	assert.Equal(t, 0.0, gaugeValue(t, e, "nvidiastress_driver_filler_bytes"))
}

func TestHandlerServesMetrics(t *testing.T) {
	e := exporter.New()
	e.IterationCompleted(2)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `nvidiastress_driver_iterations_total{gpu="2"} 1`)
}

func TestServeAndShutdown(t *testing.T) {
	e := exporter.New()

	addr, err := e.Serve("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func TestShutdownWithoutServe(t *testing.T) {
	assert.NoError(t, exporter.New().Shutdown(context.Background()))
}
