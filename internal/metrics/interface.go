package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/telemetry"
)

// Recorder persists telemetry snapshots for later inspection.
type Recorder interface {
	Record(ctx context.Context, snapshot telemetry.Snapshot) error
	RunID() string
	Close() error
}

// Repository defines the interface for sample storage
type Repository interface {
	Record(samples []Sample) error
	Close() error
}

// Sample is one device reading from one poll.
type Sample struct {
	RunID       string
	Timestamp   time.Time
	Device      string
	UtilPercent float64
	MemUsedMB   float64
	MemTotalMB  float64
	PowerDrawW  float64
	PowerLimitW float64
	TempC       float64
}
