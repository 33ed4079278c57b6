package accel

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// HostBackend emulates devices in host memory. Each device has a fixed
// capacity; allocations are real and committed by Fill, and GEMM runs on
// every CPU.
type HostBackend struct {
	arenas []*hostArena
}

type hostArena struct {
	mu    sync.Mutex
	total uint64
	used  uint64
}

func NewHostBackend(devices int, memoryPerDevice uint64) *HostBackend {
	b := &HostBackend{arenas: make([]*hostArena, devices)}
	for i := range b.arenas {
		b.arenas[i] = &hostArena{total: memoryPerDevice}
	}

	return b
}

func (*HostBackend) Name() string { return "host" }

func (b *HostBackend) DeviceCount() (int, error) {
	return len(b.arenas), nil
}

func (b *HostBackend) Open(index int) (Device, error) {
	if index < 0 || index >= len(b.arenas) {
		return nil, errors.New().WithData(ErrDeviceNotFound, index)
	}

	return &hostDevice{index: index, arena: b.arenas[index]}, nil
}

func (*HostBackend) Close() error { return nil }

func (a *hostArena) reserve(size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size > a.total-a.used {
		return errors.New().WithData(ErrOutOfMemory, fmt.Sprintf("requested %d bytes, %d free", size, a.total-a.used))
	}
	a.used += size

	return nil
}

func (a *hostArena) release(size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= size
}

func (a *hostArena) free() (free, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used, a.total
}

type hostDevice struct {
	index int
	arena *hostArena
}

func (d *hostDevice) Info() DeviceInfo {
	return DeviceInfo{
		Index:       d.index,
		Name:        fmt.Sprintf("Host emulated device %d", d.index),
		TotalMemory: d.arena.total,
	}
}

func (d *hostDevice) MemoryInfo() (free, total uint64, err error) {
	free, total = d.arena.free()
	return free, total, nil
}

func (d *hostDevice) Allocate(size uint64) (Buffer, error) {
	if err := d.arena.reserve(size); err != nil {
		return nil, err
	}

	return &hostBuffer{arena: d.arena, data: make([]byte, size)}, nil
}

func (d *hostDevice) NewMatrix(dim int) (Matrix, error) {
	if dim <= 0 {
		return nil, errors.New().WithData(ErrInvalidOperand, dim)
	}

	size := MatrixBytes(dim)
	if err := d.arena.reserve(size); err != nil {
		return nil, err
	}

	return &hostMatrix{arena: d.arena, dim: dim, data: make([]float32, dim*dim)}, nil
}

func (d *hostDevice) MatMul(dst, a, b Matrix) error {
	ops, err := asHostMatrices(dst, a, b)
	if err != nil {
		return err
	}
	hd, ha, hb := ops[0], ops[1], ops[2]
	if hd == ha || hd == hb {
		return errors.New().WithMessage(ErrInvalidOperand, "matmul output aliases an input")
	}

	n := hd.dim
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	rows := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo, hi := w*rows, min((w+1)*rows, n)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				out := hd.data[i*n : (i+1)*n]
				for j := range out {
					out[j] = 0
				}
				for k := 0; k < n; k++ {
					aik := ha.data[i*n+k]
					row := hb.data[k*n : (k+1)*n]
					for j := range out {
						out[j] += aik * row[j]
					}
				}
			}
		}(lo, hi)
	}
	wg.Wait()

	return nil
}

func (d *hostDevice) Axpy(dst, src Matrix, alpha float32) error {
	ops, err := asHostMatrices(dst, src)
	if err != nil {
		return err
	}
	hd, hs := ops[0], ops[1]
	for i, v := range hs.data {
		hd.data[i] += alpha * v
	}

	return nil
}

// Synchronize is a no-op: host kernels complete before returning.
func (*hostDevice) Synchronize() error { return nil }

func (*hostDevice) Close() error { return nil }

func asHostMatrices(ms ...Matrix) ([]*hostMatrix, error) {
	out := make([]*hostMatrix, len(ms))
	for i, m := range ms {
		hm, ok := m.(*hostMatrix)
		if !ok || hm.data == nil {
			return nil, errors.New().WithMessage(ErrInvalidOperand, "operand is not a live host matrix")
		}
		if i > 0 && hm.dim != out[0].dim {
			return nil, errors.New().WithMessage(ErrInvalidOperand, "matrix dimensions differ")
		}
		out[i] = hm
	}

	return out, nil
}

type hostBuffer struct {
	arena *hostArena
	data  []byte
}

func (b *hostBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *hostBuffer) Fill(pattern byte) error {
	for i := range b.data {
		b.data[i] = pattern
	}

	return nil
}

func (b *hostBuffer) Free() error {
	if b.data == nil {
		return nil
	}
	b.arena.release(uint64(len(b.data)))
	b.data = nil

	return nil
}

type hostMatrix struct {
	arena *hostArena
	dim   int
	data  []float32
}

func (m *hostMatrix) Size() uint64 { return MatrixBytes(m.dim) }
func (m *hostMatrix) Dim() int     { return m.dim }

// Fill matches cudaMemset semantics: every byte of every element is pattern.
func (m *hostMatrix) Fill(pattern byte) error {
	p := uint32(pattern)
	v := math.Float32frombits(p<<24 | p<<16 | p<<8 | p)
	for i := range m.data {
		m.data[i] = v
	}

	return nil
}

func (m *hostMatrix) Free() error {
	if m.data == nil {
		return nil
	}
	m.arena.release(m.Size())
	m.data = nil

	return nil
}

var (
	_ Backend = (*HostBackend)(nil)
	_ Device  = (*hostDevice)(nil)
	_ Matrix  = (*hostMatrix)(nil)
)
