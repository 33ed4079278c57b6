package exporter_test

import (
	"testing"

	"codeberg.org/mutker/nvidiastress/internal/exporter"
	"github.com/stretchr/testify/require"
)

// gaugeValue sums every sample of the named family.
func gaugeValue(t *testing.T, e *exporter.Exporter, name string) float64 {
	t.Helper()

	families, err := e.Registry().Gather()
	require.NoError(t, err)

	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetGauge().GetValue()
		}
	}

	return sum
}

func stateValue(t *testing.T, e *exporter.Exporter, gpu, state string) float64 {
	t.Helper()

	families, err := e.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "nvidiastress_driver_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["gpu"] == gpu && labels["state"] == state {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no state sample for gpu=%s state=%s", gpu, state)

	return 0
}

func sampleCount(t *testing.T, e *exporter.Exporter, name string) int {
	t.Helper()

	families, err := e.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}

	return 0
}
