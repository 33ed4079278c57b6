package telemetry

import (
	"context"
	"sync"
	"time"
)

// MockClient replays scripted snapshots. Once the script is exhausted the
// last entry repeats. A nil entry reports the poll as unavailable.
type MockClient struct {
	mu     sync.Mutex
	script [][]DeviceMetrics
	polls  int
}

func NewMockClient(script ...[]DeviceMetrics) *MockClient {
	return &MockClient{script: script}
}

// NewUnavailableClient never returns data.
func NewUnavailableClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Poll(_ context.Context) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	if len(m.script) == 0 {
		return Snapshot{}, false
	}

	i := m.polls - 1
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	if m.script[i] == nil {
		return Snapshot{}, false
	}

	devices := make([]DeviceMetrics, len(m.script[i]))
	copy(devices, m.script[i])

	return Snapshot{Timestamp: time.Now(), Devices: devices}, true
}

// Polls reports how many times Poll was called.
func (m *MockClient) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

var _ Client = (*MockClient)(nil)
