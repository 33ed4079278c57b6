// Package stress implements the per-device stress driver: it sizes and
// commits a filler allocation, then runs a GEMM loop until a deadline or the
// stop flag.
package stress

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/stop"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
)

const (
	DefaultMatrixSize = 8192

	fillerPattern   = 0xA5
	matrixPattern   = 0x3C
	accumulateAlpha = 1e-6
	computeMatrices = 3
	openRetries     = 3
)

// Config is the read-only part of a driver's setup shared by all devices.
type Config struct {
	// Duration bounds the compute loop; zero runs until the stop flag.
	Duration time.Duration
	// TargetVRAM caps filler plus compute footprint; zero means unset.
	TargetVRAM uint64
	MatrixSize int
	Policy     Policy
}

// Driver stresses a single device. Run may be called once.
type Driver struct {
	id        int
	backend   accel.Backend
	telemetry telemetry.Client
	cfg       Config
	stop      *stop.Flag
	observer  Observer
	log       logger.Logger
	now       func() time.Time
	backOff   func() backoff.BackOff
}

type Option func(*Driver)

func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithOpenBackOff replaces the retry schedule used when opening the device.
func WithOpenBackOff(f func() backoff.BackOff) Option {
	return func(d *Driver) { d.backOff = f }
}

func NewDriver(id int, backend accel.Backend, tel telemetry.Client, cfg Config, flag *stop.Flag, opts ...Option) *Driver {
	if cfg.MatrixSize <= 0 {
		cfg.MatrixSize = DefaultMatrixSize
	}
	cfg.Policy = cfg.Policy.WithComputeFootprint(ComputeFootprint(cfg.MatrixSize))
	if flag == nil {
		flag = stop.New()
	}

	d := &Driver{
		id:        id,
		backend:   backend,
		telemetry: tel,
		cfg:       cfg,
		stop:      flag,
		observer:  noopObserver{},
		log:       logger.With("gpu", id),
		now:       time.Now,
		backOff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// ComputeFootprint is the device memory taken by the compute matrices.
func ComputeFootprint(matrixSize int) uint64 {
	return computeMatrices * accel.MatrixBytes(matrixSize)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Run drives the device through Init, BaselineCheck, FillerAllocation,
// ComputeLoop and Teardown. It never panics: failures end this driver only
// and are reported in the Result.
func (d *Driver) Run(ctx context.Context) (res Result) {
	// Device contexts are bound to the calling OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	res.Device = d.id
	defer func() {
		if r := recover(); r != nil {
			res.Reason = ReasonPanic
			res.Err = errors.New().WithData(ErrDriverPanic, fmt.Sprint(r))
			d.log.Error().Interface("panic", r).Msg("Unexpected error in driver")
		}
		d.teardown(&res)
	}()

	d.run(ctx, &res)

	return res
}

// run owns every device resource; all of them are released by its defers
// before Run logs the teardown.
func (d *Driver) run(ctx context.Context, res *Result) {
	d.enter(StateInit)
	dev, err := d.open(ctx)
	if err != nil {
		res.Reason = ReasonInitFailed
		res.Err = err
		d.log.Error().Err(err).Msg("Failed to open device")
		return
	}
	defer func() {
		if err := dev.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close device")
		}
	}()

	info := dev.Info()
	res.Name = info.Name
	res.TotalMemory = info.TotalMemory
	d.log.Info().
		Str("name", info.Name).
		Str("total_memory", units.BytesSize(float64(info.TotalMemory))).
		Msg("Device opened")

	d.enter(StateBaselineCheck)
	res.Dirty = d.baseline(ctx, info.TotalMemory)

	if res.Dirty {
		res.FillerSkipped = true
	} else {
		d.enter(StateFillerAllocation)
		filler, err := d.allocateFiller(dev)
		if filler != nil {
			defer d.release(filler, "filler")
			res.FillerBytes = filler.Size()
		} else {
			res.FillerSkipped = true
			res.FillerErr = err
		}
	}

	d.enter(StateComputeLoop)
	bufs, err := d.allocateCompute(dev)
	if err != nil {
		res.Reason = ReasonComputeAllocFailed
		res.Err = err
		d.log.Error().Err(err).Msg("Failed to allocate compute buffers")
		return
	}
	defer bufs.release(d)

	d.computeLoop(dev, bufs, res)
}

func (d *Driver) open(ctx context.Context) (accel.Device, error) {
	var dev accel.Device
	op := func() error {
		var err error
		dev, err = d.backend.Open(d.id)
		if errors.HasCode(err, accel.ErrBackendUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Dur("retry_in", wait).Msg("Device open failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.backOff(), openRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, errors.New().Wrap(ErrOpenDevice, err)
	}

	return dev, nil
}

// baseline reports whether the device is already occupied beyond the
// policy threshold. Missing telemetry counts as zero usage.
func (d *Driver) baseline(ctx context.Context, total uint64) bool {
	var used uint64

	if d.telemetry != nil {
		if snap, ok := d.telemetry.Poll(ctx); ok {
			if m, found := snap.Find(strconv.Itoa(d.id)); found {
				used = m.MemUsedBytes()
			} else {
				d.log.Debug().Msg("Device missing from telemetry, assuming no existing usage")
			}
		} else {
			d.log.Debug().Msg("Telemetry unavailable, assuming no existing usage")
		}
	}

	dirty := d.cfg.Policy.IsDirty(used, total)
	level := d.log.Info
	if dirty {
		level = d.log.Warn
	}
	level().Str("used", units.BytesSize(float64(used))).
		Float64("threshold", d.cfg.Policy.DirtyThreshold).
		Bool("dirty", dirty).
		Msg("Baseline memory usage")
	if dirty {
		d.log.Warn().Msg("Device already holds memory, skipping filler allocation")
	}

	return dirty
}

// allocateFiller returns a committed filler buffer, or nil when none was
// placed. A nil buffer with a nil error means there was no room. Failure here
// never ends the driver.
func (d *Driver) allocateFiller(dev accel.Device) (accel.Buffer, error) {
	errFactory := errors.New()

	free, _, err := dev.MemoryInfo()
	if err != nil {
		err = errFactory.Wrap(ErrFillerAlloc, err)
		d.log.Warn().Err(err).Msg("Failed to query free memory, skipping filler")
		return nil, err
	}

	size := d.cfg.Policy.FillerSize(free, d.cfg.TargetVRAM)
	if size == 0 {
		d.log.Info().
			Str("free", units.BytesSize(float64(free))).
			Str("reserve", units.BytesSize(float64(d.cfg.Policy.Reserve()))).
			Msg("No room for filler allocation")
		return nil, nil
	}

	d.log.Info().Str("size", units.BytesSize(float64(size))).Msg("Attempting to allocate filler")
	buf, err := dev.Allocate(size)
	if err != nil {
		err = errFactory.Wrap(ErrFillerAlloc, err)
		d.log.Warn().Err(err).Msg("Failed to allocate filler, continuing without it")
		return nil, err
	}

	// Touch every page so the allocation is physically backed.
	if err := commit(dev, buf); err != nil {
		err = errFactory.Wrap(ErrFillerAlloc, err)
		d.log.Warn().Err(err).Msg("Failed to commit filler, continuing without it")
		d.release(buf, "filler")
		return nil, err
	}

	d.observer.FillerAllocated(d.id, size)
	d.log.Info().Str("size", units.BytesSize(float64(size))).Msg("Allocated filler")

	return buf, nil
}

func commit(dev accel.Device, buf accel.Buffer) error {
	if err := buf.Fill(fillerPattern); err != nil {
		return err
	}

	return dev.Synchronize()
}

type computeBuffers struct {
	a, b, c accel.Matrix
}

func (d *Driver) allocateCompute(dev accel.Device) (*computeBuffers, error) {
	n := d.cfg.MatrixSize
	bufs := &computeBuffers{}

	for _, m := range []*accel.Matrix{&bufs.a, &bufs.b, &bufs.c} {
		mat, err := dev.NewMatrix(n)
		if err != nil {
			bufs.release(d)
			return nil, errors.New().Wrap(ErrComputeAlloc, err)
		}
		*m = mat
	}

	for _, m := range []accel.Matrix{bufs.a, bufs.b} {
		if err := m.Fill(matrixPattern); err != nil {
			bufs.release(d)
			return nil, errors.New().Wrap(ErrComputeAlloc, err)
		}
	}

	d.log.Info().
		Int("matrix_size", n).
		Str("footprint", units.BytesSize(float64(ComputeFootprint(n)))).
		Msg("Starting compute loop")

	return bufs, nil
}

func (b *computeBuffers) release(d *Driver) {
	for _, m := range []accel.Matrix{b.c, b.b, b.a} {
		if m != nil {
			d.release(m, "matrix")
		}
	}
}

func (d *Driver) computeLoop(dev accel.Device, bufs *computeBuffers, res *Result) {
	start := d.now()
	defer func() { res.Elapsed = d.now().Sub(start) }()

	for {
		if d.cfg.Duration > 0 && d.now().Sub(start) >= d.cfg.Duration {
			res.Reason = ReasonDeadline
			return
		}
		if d.stop.IsSet() {
			res.Reason = ReasonStopped
			return
		}

		if err := d.iterate(dev, bufs); err != nil {
			res.Reason = ReasonComputeFailed
			res.Err = errors.New().Wrap(ErrComputeIteration, err)
			d.log.Error().Err(err).Uint64("iterations", res.Iterations).Msg("Compute iteration failed")
			return
		}
		res.Iterations++
		d.observer.IterationCompleted(d.id)
	}
}

// iterate computes C = A·B, folds a scaled C back into A so the product is
// never dead, and waits for the device to drain.
func (d *Driver) iterate(dev accel.Device, bufs *computeBuffers) error {
	if err := dev.MatMul(bufs.c, bufs.a, bufs.b); err != nil {
		return err
	}
	if err := dev.Axpy(bufs.a, bufs.c, accumulateAlpha); err != nil {
		return err
	}

	return dev.Synchronize()
}

func (d *Driver) release(b accel.Buffer, what string) {
	if err := b.Free(); err != nil {
		d.log.Warn().Err(err).Str("buffer", what).Msg("Failed to release device memory")
	}
}

func (d *Driver) enter(s State) {
	d.log.Debug().Stringer("state", s).Msg("Entering state")
	d.observer.StateChanged(d.id, s)
}

func (d *Driver) teardown(res *Result) {
	d.enter(StateTeardown)

	level := d.log.Info
	if !res.Reason.Completed() {
		level = d.log.Warn
	}
	level().Str("reason", string(res.Reason)).
		Uint64("iterations", res.Iterations).
		Dur("elapsed", res.Elapsed).
		Str("filler", units.BytesSize(float64(res.FillerBytes))).
		Msg("Finished")
}
