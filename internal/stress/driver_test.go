package stress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/stop"
	"codeberg.org/mutker/nvidiastress/internal/stress"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu         sync.Mutex
	states     []stress.State
	filler     uint64
	iterations int
}

func (o *recordingObserver) StateChanged(_ int, s stress.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) FillerAllocated(_ int, bytes uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filler = bytes
}

func (o *recordingObserver) IterationCompleted(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.iterations++
}

func cleanDevice() *accel.MockDevice {
	return &accel.MockDevice{
		Name:           "Mock H100",
		TotalMemory:    16 * gib,
		FreeMemory:     15 * gib,
		IterationDelay: time.Millisecond,
	}
}

func usage(index string, usedMB, totalMB float64) []telemetry.DeviceMetrics {
	return []telemetry.DeviceMetrics{{Index: index, MemUsedMB: usedMB, MemTotalMB: totalMB}}
}

func newDriver(dev *accel.MockDevice, tel telemetry.Client, cfg stress.Config, flag *stop.Flag, opts ...stress.Option) *stress.Driver {
	backend := accel.NewMockBackend(dev)
	if cfg.Policy == (stress.Policy{}) {
		cfg.Policy = stress.DefaultPolicy()
	}
	if cfg.MatrixSize == 0 {
		cfg.MatrixSize = 16
	}
	opts = append([]stress.Option{stress.WithOpenBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	})}, opts...)

	return stress.NewDriver(0, backend, tel, cfg, flag, opts...)
}

func TestCleanDeviceAllocatesFillerAndRunsToDeadline(t *testing.T) {
	dev := cleanDevice()
	obs := &recordingObserver{}
	tel := telemetry.NewMockClient(usage("0", 0, 16384))

	res := newDriver(dev, tel, stress.Config{Duration: 50 * time.Millisecond}, stop.New(), stress.WithObserver(obs)).
		Run(context.Background())

	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.NoError(t, res.Err)
	assert.False(t, res.Dirty)
	assert.False(t, res.FillerSkipped)
	assert.Equal(t, 12*gib, res.FillerBytes)
	assert.Equal(t, []uint64{12 * gib}, dev.Allocations())
	assert.Greater(t, res.Iterations, uint64(0))
	assert.GreaterOrEqual(t, res.Elapsed, 50*time.Millisecond)
	assert.Equal(t, "Mock H100", res.Name)

	stats := dev.Stats()
	assert.Equal(t, 1, stats.Opened)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 3, stats.Matrices)
	assert.Equal(t, 3, stats.Fills, "filler plus two operand matrices")
	assert.Equal(t, 4, stats.Freed, "filler and three matrices released")
	assert.Equal(t, int(res.Iterations), stats.MatMuls)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, stress.States(), obs.states)
	assert.Equal(t, 12*gib, obs.filler)
	assert.Equal(t, int(res.Iterations), obs.iterations)
}

func TestDirtyDeviceSkipsFillerButComputes(t *testing.T) {
	dev := cleanDevice()
	obs := &recordingObserver{}
	// 90% of 16 GiB already in use.
	tel := telemetry.NewMockClient(usage("0", 0.9*16384, 16384))

	res := newDriver(dev, tel, stress.Config{Duration: 30 * time.Millisecond}, stop.New(), stress.WithObserver(obs)).
		Run(context.Background())

	assert.True(t, res.Dirty)
	assert.True(t, res.FillerSkipped)
	assert.Zero(t, res.FillerBytes)
	assert.Empty(t, dev.Allocations(), "no filler allocation attempted")
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.Greater(t, res.Iterations, uint64(0))
	assert.Equal(t, 3, dev.Stats().Matrices)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.NotContains(t, obs.states, stress.StateFillerAllocation)
	assert.Contains(t, obs.states, stress.StateComputeLoop)
}

func TestUsageAtThresholdIsNotDirty(t *testing.T) {
	dev := cleanDevice()
	tel := telemetry.NewMockClient(usage("0", 0.2*16384, 16384))

	res := newDriver(dev, tel, stress.Config{Duration: 10 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.False(t, res.Dirty)
	assert.Len(t, dev.Allocations(), 1)
}

func TestOtherDeviceUsageIsIgnored(t *testing.T) {
	dev := cleanDevice()
	tel := telemetry.NewMockClient(usage("1", 16000, 16384))

	res := newDriver(dev, tel, stress.Config{Duration: 10 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.False(t, res.Dirty)
	assert.Len(t, dev.Allocations(), 1)
}

func TestTelemetryUnavailableAssumesZeroUsage(t *testing.T) {
	dev := cleanDevice()

	res := newDriver(dev, telemetry.NewUnavailableClient(), stress.Config{Duration: 10 * time.Millisecond}, stop.New()).
		Run(context.Background())

	assert.False(t, res.Dirty)
	assert.Equal(t, []uint64{12 * gib}, dev.Allocations())
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
}

func TestTargetVRAMCapsFiller(t *testing.T) {
	dev := cleanDevice()
	cfg := stress.Config{Duration: 10 * time.Millisecond, TargetVRAM: 6 * gib}

	res := newDriver(dev, nil, cfg, stop.New()).Run(context.Background())

	assert.Equal(t, []uint64{4 * gib}, dev.Allocations())
	assert.Equal(t, 4*gib, res.FillerBytes)
}

func TestNoRoomForFiller(t *testing.T) {
	dev := cleanDevice()
	dev.FreeMemory = 2 * gib

	res := newDriver(dev, nil, stress.Config{Duration: 10 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.Empty(t, dev.Allocations())
	assert.True(t, res.FillerSkipped)
	assert.NoError(t, res.FillerErr)
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
}

func TestFillerFailureIsNotFatal(t *testing.T) {
	dev := cleanDevice()
	dev.AllocErr = errors.New().New(accel.ErrOutOfMemory)

	res := newDriver(dev, nil, stress.Config{Duration: 20 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.Len(t, dev.Allocations(), 1, "exactly one attempt")
	assert.True(t, res.FillerSkipped)
	assert.True(t, errors.HasCode(res.FillerErr, stress.ErrFillerAlloc))
	assert.True(t, errors.HasCode(res.FillerErr, accel.ErrOutOfMemory))
	assert.Zero(t, res.FillerBytes)
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.Greater(t, res.Iterations, uint64(0))
}

func TestMemoryInfoFailureSkipsFiller(t *testing.T) {
	dev := cleanDevice()
	dev.MemInfoErr = errors.New().New(accel.ErrDeviceInfoFailed)

	res := newDriver(dev, nil, stress.Config{Duration: 10 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.Empty(t, dev.Allocations())
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
}

func TestComputeAllocationFailureEndsDriver(t *testing.T) {
	dev := cleanDevice()
	dev.MatrixErr = errors.New().New(accel.ErrOutOfMemory)

	res := newDriver(dev, nil, stress.Config{Duration: time.Hour}, stop.New()).Run(context.Background())

	assert.Equal(t, stress.ReasonComputeAllocFailed, res.Reason)
	assert.True(t, errors.HasCode(res.Err, stress.ErrComputeAlloc))
	assert.Zero(t, res.Iterations)

	stats := dev.Stats()
	assert.Zero(t, stats.MatMuls)
	assert.Equal(t, 1, stats.Freed, "filler released")
	assert.Equal(t, 1, stats.Closed)
}

func TestComputeErrorEndsDriver(t *testing.T) {
	dev := cleanDevice()
	dev.MatMulErr = errors.New().New(accel.ErrKernelFailed)

	res := newDriver(dev, nil, stress.Config{Duration: time.Hour}, stop.New()).Run(context.Background())

	assert.Equal(t, stress.ReasonComputeFailed, res.Reason)
	assert.True(t, errors.HasCode(res.Err, stress.ErrComputeIteration))
	assert.Equal(t, 4, dev.Stats().Freed)
}

func TestPanicIsContained(t *testing.T) {
	dev := cleanDevice()
	dev.PanicInMatMul = true

	var res stress.Result
	require.NotPanics(t, func() {
		res = newDriver(dev, nil, stress.Config{Duration: time.Hour}, stop.New()).Run(context.Background())
	})

	assert.Equal(t, stress.ReasonPanic, res.Reason)
	assert.True(t, errors.HasCode(res.Err, stress.ErrDriverPanic))

	stats := dev.Stats()
	assert.Equal(t, 4, stats.Freed, "buffers released during unwinding")
	assert.Equal(t, 1, stats.Closed)
}

func TestInitFailure(t *testing.T) {
	dev := cleanDevice()
	backend := accel.NewMockBackend(dev)
	backend.OpenErr = errors.New().New(accel.ErrBackendUnavailable)

	res := stress.NewDriver(0, backend, nil, stress.Config{Duration: time.Hour, Policy: stress.DefaultPolicy()}, stop.New()).
		Run(context.Background())

	assert.Equal(t, stress.ReasonInitFailed, res.Reason)
	assert.True(t, errors.HasCode(res.Err, stress.ErrOpenDevice))
	assert.Empty(t, dev.Allocations())
}

func TestTransientOpenFailureIsRetried(t *testing.T) {
	dev := cleanDevice()
	dev.OpenFailures = 2

	res := newDriver(dev, nil, stress.Config{Duration: 10 * time.Millisecond}, stop.New()).Run(context.Background())

	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.Equal(t, 1, dev.Stats().Opened)
}

func TestUnboundedRunStopsOnlyOnFlag(t *testing.T) {
	dev := cleanDevice()
	flag := stop.New()
	done := make(chan stress.Result, 1)

	go func() {
		done <- newDriver(dev, nil, stress.Config{Duration: 0}, flag).Run(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("driver returned before the stop flag was raised")
	case <-time.After(100 * time.Millisecond):
	}

	flag.Set()
	flag.Set()

	select {
	case res := <-done:
		assert.Equal(t, stress.ReasonStopped, res.Reason)
		assert.Greater(t, res.Iterations, uint64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after the flag was raised")
	}
}

func TestDeadlineBoundedByOneIteration(t *testing.T) {
	dev := cleanDevice()
	dev.IterationDelay = 20 * time.Millisecond
	duration := 100 * time.Millisecond

	start := time.Now()
	res := newDriver(dev, nil, stress.Config{Duration: duration}, stop.New()).Run(context.Background())
	wall := time.Since(start)

	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.GreaterOrEqual(t, res.Elapsed, duration)
	// One iteration past the deadline plus scheduling slack.
	assert.Less(t, res.Elapsed, duration+dev.IterationDelay+150*time.Millisecond)
	assert.Less(t, wall, duration+dev.IterationDelay+250*time.Millisecond)
}

func TestStopFlagBeforeComputeLoop(t *testing.T) {
	dev := cleanDevice()
	flag := stop.New()
	flag.Set()

	res := newDriver(dev, nil, stress.Config{Duration: time.Hour}, flag).Run(context.Background())

	assert.Equal(t, stress.ReasonStopped, res.Reason)
	assert.Zero(t, res.Iterations)
	assert.Equal(t, 4, dev.Stats().Freed)
}

const mib = 1 << 20

func smallBudgetPolicy() stress.Policy {
	return stress.Policy{
		DirtyThreshold:     stress.DefaultDirtyThreshold,
		OverheadBytes:      1 * mib,
		ComputeBudgetBytes: 2 * mib,
	}
}

func TestMatrixFootprintAboveBudgetRaisesReserve(t *testing.T) {
	// three 1024x1024 float32 matrices take 12 MiB, above the 2 MiB budget
	cfg := stress.Config{Duration: 10 * time.Millisecond, MatrixSize: 1024, Policy: smallBudgetPolicy()}

	tests := []struct {
		name   string
		target uint64
		want   uint64
	}{
		{name: "no target", want: 64*mib - 1*mib - 12*mib},
		{name: "target leaves room for matrices", target: 32 * mib, want: 32*mib - 12*mib},
		{name: "target below footprint", target: 12 * mib, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &accel.MockDevice{Name: "Mock", TotalMemory: 64 * mib, FreeMemory: 64 * mib}
			c := cfg
			c.TargetVRAM = tt.target

			res := newDriver(dev, nil, c, stop.New()).Run(context.Background())

			assert.Equal(t, tt.want, res.FillerBytes)
			if tt.target > 0 {
				assert.LessOrEqual(t, res.FillerBytes+stress.ComputeFootprint(1024), tt.target)
			}
			assert.Equal(t, stress.ReasonDeadline, res.Reason)
		})
	}
}

func TestHostFillerLeavesRoomForCompute(t *testing.T) {
	const dim = 512 // 3 MiB of matrices against a 64 KiB budget
	backend := accel.NewHostBackend(1, 16*mib)
	policy := stress.Policy{
		DirtyThreshold:     stress.DefaultDirtyThreshold,
		OverheadBytes:      1 * mib,
		ComputeBudgetBytes: 64 << 10,
	}
	cfg := stress.Config{Duration: time.Millisecond, MatrixSize: dim, Policy: policy}

	res := stress.NewDriver(0, backend, nil, cfg, stop.New()).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, stress.ReasonDeadline, res.Reason)
	assert.Equal(t, 16*mib-1*mib-stress.ComputeFootprint(dim), res.FillerBytes)
	assert.Greater(t, res.Iterations, uint64(0))
}
