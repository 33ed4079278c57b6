// Package accel abstracts the device runtime the stress drivers run on:
// enumeration, memory allocation, GEMM and synchronization.
package accel

// Backend enumerates and opens compute devices.
type Backend interface {
	Name() string
	DeviceCount() (int, error)
	// Open binds the calling OS thread to the device. Callers that issue
	// work from a goroutine must lock it to its thread first.
	Open(index int) (Device, error)
	Close() error
}

// DeviceInfo identifies an opened device.
type DeviceInfo struct {
	Index       int
	Name        string
	TotalMemory uint64
}

// Device is an opened compute device. A Device is owned by a single
// goroutine and is not safe for concurrent use.
type Device interface {
	Info() DeviceInfo
	// MemoryInfo reports free and total device memory in bytes.
	MemoryInfo() (free, total uint64, err error)
	Allocate(size uint64) (Buffer, error)
	NewMatrix(dim int) (Matrix, error)
	// MatMul computes dst = a·b. dst must not alias a or b.
	MatMul(dst, a, b Matrix) error
	// Axpy computes dst += alpha·src.
	Axpy(dst, src Matrix, alpha float32) error
	// Synchronize blocks until all queued work has completed.
	Synchronize() error
	Close() error
}

// Buffer is a block of device memory.
type Buffer interface {
	Size() uint64
	// Fill writes pattern to every byte, forcing the pages to be committed.
	Fill(pattern byte) error
	Free() error
}

// Matrix is a square float32 buffer.
type Matrix interface {
	Buffer
	Dim() int
}

const float32Size = 4

// MatrixBytes is the footprint of a dim×dim float32 matrix.
func MatrixBytes(dim int) uint64 {
	return uint64(dim) * uint64(dim) * float32Size
}
