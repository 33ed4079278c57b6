package telemetry

import (
	"strconv"
	"strings"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// QueryFields is the fixed field order requested from nvidia-smi.
const QueryFields = "index,utilization.gpu,memory.used,memory.total,power.draw,power.limit,temperature.gpu"

const minFields = 7

// ParseCSV parses header-less, unit-less nvidia-smi CSV output. Lines with
// fewer than seven fields are skipped. A full-width line whose values are not
// numeric (e.g. "[N/A]" on boards without power sensors) fails the whole
// batch, so a poll never reports a partial device list.
func ParseCSV(out string) ([]DeviceMetrics, error) {
	var metrics []DeviceMetrics

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < minFields {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		m, err := parseRecord(parts)
		if err != nil {
			return nil, errors.New().WithData(ErrMalformedBatch, struct {
				Line  string
				Error string
			}{
				Line:  strings.TrimSpace(line),
				Error: err.Error(),
			})
		}
		metrics = append(metrics, m)
	}

	return metrics, nil
}

func parseRecord(parts []string) (DeviceMetrics, error) {
	var values [minFields - 1]float64
	for i := range values {
		v, err := strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			return DeviceMetrics{}, err
		}
		values[i] = v
	}

	return DeviceMetrics{
		Index:       parts[0],
		UtilPercent: values[0],
		MemUsedMB:   values[1],
		MemTotalMB:  values[2],
		PowerDrawW:  values[3],
		PowerLimitW: values[4],
		TempC:       values[5],
	}, nil
}
