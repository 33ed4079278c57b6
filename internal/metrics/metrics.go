// Package metrics records telemetry snapshots to a local sqlite database.
package metrics

import (
	"context"
	"sync/atomic"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/google/uuid"
)

type service struct {
	repo   Repository
	runID  string
	closed atomic.Bool
}

type noopRecorder struct {
	runID string
}

// NewService opens the recorder described by cfg. A disabled config yields a
// recorder that drops every snapshot.
func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	runID := uuid.NewString()
	log := logger.With("run_id", runID)

	if !cfg.Enabled {
		log.Debug().Msg("Telemetry recording disabled, using no-op recorder")
		return &noopRecorder{runID: runID}, nil
	}

	repo, err := NewRepository(cfg, runID, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, runID: runID}, nil
}

func (s *service) Record(ctx context.Context, snapshot telemetry.Snapshot) error {
	errFactory := errors.New()

	if s.closed.Load() {
		return errFactory.New(ErrClosed)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	samples := make([]Sample, 0, len(snapshot.Devices))
	for _, d := range snapshot.Devices {
		samples = append(samples, Sample{
			RunID:       s.runID,
			Timestamp:   snapshot.Timestamp,
			Device:      d.Index,
			UtilPercent: d.UtilPercent,
			MemUsedMB:   d.MemUsedMB,
			MemTotalMB:  d.MemTotalMB,
			PowerDrawW:  d.PowerDrawW,
			PowerLimitW: d.PowerLimitW,
			TempC:       d.TempC,
		})
	}

	if err := s.repo.Record(samples); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	return nil
}

func (s *service) RunID() string {
	return s.runID
}

func (s *service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.repo.Close()
}

func (*noopRecorder) Record(context.Context, telemetry.Snapshot) error {
	return nil
}

func (n *noopRecorder) RunID() string {
	return n.runID
}

func (*noopRecorder) Close() error {
	return nil
}
