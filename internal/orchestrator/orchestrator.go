// Package orchestrator runs one stress driver per device alongside the
// telemetry monitor and joins them.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/monitor"
	"codeberg.org/mutker/nvidiastress/internal/stop"
	"codeberg.org/mutker/nvidiastress/internal/stress"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/docker/go-units"
)

type Config struct {
	Stress          stress.Config
	MonitorInterval time.Duration
}

// Summary aggregates every driver's result in device order.
type Summary struct {
	Results []stress.Result
	Elapsed time.Duration
}

// Completed counts drivers that ended on the deadline or the stop flag.
func (s Summary) Completed() int {
	n := 0
	for _, r := range s.Results {
		if r.Reason.Completed() {
			n++
		}
	}
	return n
}

func (s Summary) Iterations() uint64 {
	var n uint64
	for _, r := range s.Results {
		n += r.Iterations
	}
	return n
}

type Orchestrator struct {
	backend   accel.Backend
	telemetry telemetry.Client
	stop      *stop.Flag
	sinks     []monitor.Sink
	observer  stress.Observer
	log       logger.Logger
}

type Option func(*Orchestrator)

func WithSinks(sinks ...monitor.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

func WithObserver(obs stress.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func New(backend accel.Backend, tel telemetry.Client, flag *stop.Flag, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:   backend,
		telemetry: tel,
		stop:      flag,
		log:       logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run enumerates devices and blocks until every driver and the monitor have
// returned. With no devices it returns ErrNoDevices without starting anything.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Summary, error) {
	errFactory := errors.New()
	start := time.Now()

	count, err := o.backend.DeviceCount()
	if err != nil {
		return Summary{}, errFactory.Wrap(errors.ErrNoDevices, err)
	}
	if count == 0 {
		return Summary{}, errFactory.New(errors.ErrNoDevices)
	}

	o.log.Info().
		Str("backend", o.backend.Name()).
		Int("devices", count).
		Dur("duration", cfg.Stress.Duration).
		Msg("Starting stress run")

	mon := monitor.New(o.telemetry, cfg.MonitorInterval, o.stop, monitor.WithSinks(o.sinks...))
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		mon.Run(ctx)
	}()

	var driverOpts []stress.Option
	if o.observer != nil {
		driverOpts = append(driverOpts, stress.WithObserver(o.observer))
	}

	results := make([]stress.Result, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d := stress.NewDriver(id, o.backend, o.telemetry, cfg.Stress, o.stop, driverOpts...)
			results[id] = d.Run(ctx)
		}(i)
	}

	wg.Wait()
	o.stop.Set()
	<-monitorDone

	summary := Summary{Results: results, Elapsed: time.Since(start)}
	o.logSummary(summary)

	return summary, nil
}

func (o *Orchestrator) logSummary(s Summary) {
	for _, r := range s.Results {
		level := o.log.Info
		if !r.Reason.Completed() {
			level = o.log.Warn
		}
		ev := level().
			Int("gpu", r.Device).
			Str("reason", string(r.Reason)).
			Uint64("iterations", r.Iterations).
			Str("filler", units.BytesSize(float64(r.FillerBytes))).
			Bool("dirty", r.Dirty)
		if r.Err != nil {
			ev = ev.Err(r.Err)
		}
		ev.Msg("Device finished")
	}

	o.log.Info().
		Int("devices", len(s.Results)).
		Int("completed", s.Completed()).
		Uint64("iterations", s.Iterations()).
		Dur("elapsed", s.Elapsed).
		Msg("Stress run finished")
}
