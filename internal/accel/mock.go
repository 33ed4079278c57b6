package accel

import (
	"sync"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// MockBackend serves scripted devices for tests. It performs no real
// allocation or compute.
type MockBackend struct {
	Devices  []*MockDevice
	CountErr error
	OpenErr  error
}

func NewMockBackend(devices ...*MockDevice) *MockBackend {
	for i, d := range devices {
		d.Index = i
	}

	return &MockBackend{Devices: devices}
}

func (*MockBackend) Name() string { return "mock" }

func (b *MockBackend) DeviceCount() (int, error) {
	if b.CountErr != nil {
		return 0, b.CountErr
	}

	return len(b.Devices), nil
}

func (b *MockBackend) Open(index int) (Device, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if index < 0 || index >= len(b.Devices) {
		return nil, errors.New().WithData(ErrDeviceNotFound, index)
	}

	d := b.Devices[index]
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenFailures > 0 {
		d.OpenFailures--
		return nil, errors.New().WithMessage(ErrDeviceNotFound, "transient open failure")
	}
	d.opened++

	return d, nil
}

func (*MockBackend) Close() error { return nil }

// MockDevice records every call made to it.
type MockDevice struct {
	Index       int
	Name        string
	TotalMemory uint64
	FreeMemory  uint64

	OpenFailures int
	MemInfoErr   error
	AllocErr     error
	MatrixErr    error
	MatMulErr    error
	// PanicInMatMul makes the first MatMul panic.
	PanicInMatMul bool
	// IterationDelay slows each Synchronize, standing in for real kernels.
	IterationDelay time.Duration

	mu          sync.Mutex
	opened      int
	closed      int
	allocations []uint64
	fills       int
	matrices    int
	freed       int
	matmuls     int
	syncs       int
}

func (d *MockDevice) Info() DeviceInfo {
	return DeviceInfo{Index: d.Index, Name: d.Name, TotalMemory: d.TotalMemory}
}

func (d *MockDevice) MemoryInfo() (free, total uint64, err error) {
	if d.MemInfoErr != nil {
		return 0, 0, d.MemInfoErr
	}

	return d.FreeMemory, d.TotalMemory, nil
}

func (d *MockDevice) Allocate(size uint64) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.allocations = append(d.allocations, size)
	if d.AllocErr != nil {
		return nil, d.AllocErr
	}

	return &mockBuffer{dev: d, size: size}, nil
}

func (d *MockDevice) NewMatrix(dim int) (Matrix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.MatrixErr != nil {
		return nil, d.MatrixErr
	}
	d.matrices++

	return &mockBuffer{dev: d, size: MatrixBytes(dim), dim: dim}, nil
}

func (d *MockDevice) MatMul(_, _, _ Matrix) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.PanicInMatMul {
		d.PanicInMatMul = false
		panic("mock kernel crashed")
	}
	if d.MatMulErr != nil {
		return d.MatMulErr
	}
	d.matmuls++

	return nil
}

func (*MockDevice) Axpy(_, _ Matrix, _ float32) error { return nil }

func (d *MockDevice) Synchronize() error {
	if d.IterationDelay > 0 {
		time.Sleep(d.IterationDelay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++

	return nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++

	return nil
}

// Allocations returns the sizes passed to Allocate.
func (d *MockDevice) Allocations() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]uint64, len(d.allocations))
	copy(out, d.allocations)

	return out
}

// Stats reports call counters.
func (d *MockDevice) Stats() MockStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return MockStats{
		Opened:   d.opened,
		Closed:   d.closed,
		Fills:    d.fills,
		Matrices: d.matrices,
		Freed:    d.freed,
		MatMuls:  d.matmuls,
		Syncs:    d.syncs,
	}
}

type MockStats struct {
	Opened, Closed, Fills, Matrices, Freed, MatMuls, Syncs int
}

type mockBuffer struct {
	dev  *MockDevice
	size uint64
	dim  int
}

func (b *mockBuffer) Size() uint64 { return b.size }
func (b *mockBuffer) Dim() int     { return b.dim }

func (b *mockBuffer) Fill(_ byte) error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	b.dev.fills++

	return nil
}

func (b *mockBuffer) Free() error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	b.dev.freed++

	return nil
}

var (
	_ Backend = (*MockBackend)(nil)
	_ Device  = (*MockDevice)(nil)
	_ Matrix  = (*mockBuffer)(nil)
)
