package telemetry

import (
	"context"
	"time"
)

// Client is a best-effort source of per-device telemetry. Poll never fails
// loudly: a false result means no data this cycle, and the cause has already
// been logged.
type Client interface {
	Poll(ctx context.Context) (Snapshot, bool)
}

// DeviceMetrics is one device's reading from a single poll.
type DeviceMetrics struct {
	Index       string
	UtilPercent float64
	MemUsedMB   float64
	MemTotalMB  float64
	PowerDrawW  float64
	PowerLimitW float64
	TempC       float64
}

// MemUsedBytes converts the reported usage (MiB) into bytes.
func (m DeviceMetrics) MemUsedBytes() uint64 {
	if m.MemUsedMB <= 0 {
		return 0
	}

	return uint64(m.MemUsedMB * bytesPerMB)
}

func (m DeviceMetrics) MemTotalBytes() uint64 {
	if m.MemTotalMB <= 0 {
		return 0
	}

	return uint64(m.MemTotalMB * bytesPerMB)
}

// Snapshot is one poll's worth of metrics.
type Snapshot struct {
	Timestamp time.Time
	Devices   []DeviceMetrics
}

// Find returns the record for the device with the given index.
func (s Snapshot) Find(index string) (DeviceMetrics, bool) {
	for _, d := range s.Devices {
		if d.Index == index {
			return d, true
		}
	}

	return DeviceMetrics{}, false
}

const bytesPerMB = 1 << 20
