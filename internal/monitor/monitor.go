// Package monitor polls telemetry on a fixed cadence and fans each snapshot
// out to its sinks.
package monitor

import (
	"context"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/stop"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
)

// Sink consumes telemetry snapshots.
type Sink interface {
	Record(ctx context.Context, snapshot telemetry.Snapshot) error
}

type Monitor struct {
	client   telemetry.Client
	interval time.Duration
	stop     *stop.Flag
	sinks    []Sink
	sleep    func(time.Duration)
	log      logger.Logger
}

type Option func(*Monitor)

func WithSinks(sinks ...Sink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, sinks...) }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

func New(client telemetry.Client, interval time.Duration, flag *stop.Flag, opts ...Option) *Monitor {
	m := &Monitor{
		client:   client,
		interval: interval,
		stop:     flag,
		sleep:    time.Sleep,
		log:      logger.With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run polls until the stop flag is observed at the top of the loop. The
// sleep between polls is not cut short by the flag; the shutdown controller
// exits the process instead of waiting for it.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.interval).Msg("Starting monitor")

	var polls, snapshots int
	for !m.stop.IsSet() {
		polls++
		if snap, ok := m.client.Poll(ctx); ok {
			snapshots++
			m.publish(ctx, snap)
		}
		m.sleep(m.interval)
	}

	m.log.Info().Int("polls", polls).Int("snapshots", snapshots).Msg("Monitor stopped")
}

func (m *Monitor) publish(ctx context.Context, snap telemetry.Snapshot) {
	for _, s := range m.sinks {
		if err := s.Record(ctx, snap); err != nil {
			m.log.Warn().Err(err).Msg("Failed to record snapshot")
		}
	}
}
