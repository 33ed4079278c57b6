//go:build !nonvml

package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// NVMLClient reads telemetry in-process through NVML instead of spawning
// nvidia-smi. NVML is initialized once and released by Close.
type NVMLClient struct {
	mu  sync.Mutex
	log logger.Logger
	now func() time.Time
}

func NewNVMLClient() (*NVMLClient, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errors.New().WithData(ErrNVMLInit, nvml.ErrorString(ret))
	}

	return &NVMLClient{
		log: logger.With("component", "telemetry"),
		now: time.Now,
	}, nil
}

func (c *NVMLClient) Poll(_ context.Context) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices, err := c.query()
	if err != nil {
		c.log.Warn().Err(err).Msg("Error querying NVML")
		return Snapshot{}, false
	}

	return Snapshot{Timestamp: c.now(), Devices: devices}, true
}

func (c *NVMLClient) query() ([]DeviceMetrics, error) {
	errFactory := errors.New()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errFactory.WithData(ErrNVMLQuery, nvml.ErrorString(ret))
	}

	metrics := make([]DeviceMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			c.log.Debug().Int("index", i).Msgf("Skipping device: %s", nvml.ErrorString(ret))
			continue
		}

		m := DeviceMetrics{Index: strconv.Itoa(i)}

		if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			m.UtilPercent = float64(util.Gpu)
		}
		if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			m.MemUsedMB = float64(mem.Used) / bytesPerMB
			m.MemTotalMB = float64(mem.Total) / bytesPerMB
		}
		if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
			m.PowerDrawW = float64(power) / milliWattsToWatts
		}
		if limit, ret := device.GetEnforcedPowerLimit(); ret == nvml.SUCCESS {
			m.PowerLimitW = float64(limit) / milliWattsToWatts
		}
		if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			m.TempC = float64(temp)
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (c *NVMLClient) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.New().WithData(errors.ErrShutdownFailed, nvml.ErrorString(ret))
	}

	return nil
}

var _ Client = (*NVMLClient)(nil)
