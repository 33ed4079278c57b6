//go:build cuda

// Package cuda runs the stress workload on NVIDIA GPUs through the CUDA
// runtime and cuBLAS. Build with -tags cuda; the default build carries a stub.
package cuda

/*
#cgo LDFLAGS: -lcudart -lcublas
#include <string.h>
#include <cuda_runtime.h>
#include <cublas_v2.h>

// cudaGetDeviceProperties is a macro on recent toolkits; wrap it so cgo
// sees a plain function.
static cudaError_t device_props(int dev, char *name, size_t len, size_t *total) {
	struct cudaDeviceProp prop;
	cudaError_t err = cudaGetDeviceProperties(&prop, dev);
	if (err != cudaSuccess) {
		return err;
	}
	strncpy(name, prop.name, len - 1);
	name[len - 1] = 0;
	*total = prop.totalGlobalMem;
	return cudaSuccess;
}
*/
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// Backend enumerates CUDA devices.
type Backend struct {
	count int
}

// New queries the CUDA runtime. Device ordinals are pinned to PCI bus order
// unless the caller chose otherwise, so they line up with nvidia-smi indices.
func New() (*Backend, error) {
	if os.Getenv("CUDA_DEVICE_ORDER") == "" {
		os.Setenv("CUDA_DEVICE_ORDER", "PCI_BUS_ID")
	}

	var n C.int
	switch err := C.cudaGetDeviceCount(&n); err {
	case C.cudaSuccess:
	case C.cudaErrorNoDevice:
		n = 0
	case C.cudaErrorInsufficientDriver:
		return nil, errors.New().Wrap(accel.ErrBackendUnavailable, cudaError(err))
	default:
		return nil, errors.New().Wrap(accel.ErrDeviceCountFailed, cudaError(err))
	}

	return &Backend{count: int(n)}, nil
}

func (*Backend) Name() string { return "cuda" }

func (b *Backend) DeviceCount() (int, error) {
	return b.count, nil
}

// Open makes index the current device of the calling OS thread.
func (b *Backend) Open(index int) (accel.Device, error) {
	errFactory := errors.New()

	if index < 0 || index >= b.count {
		return nil, errFactory.WithData(accel.ErrDeviceNotFound, index)
	}
	if err := C.cudaSetDevice(C.int(index)); err != C.cudaSuccess {
		return nil, errFactory.Wrap(accel.ErrDeviceNotFound, cudaError(err))
	}

	var (
		name  [256]C.char
		total C.size_t
	)
	if err := C.device_props(C.int(index), &name[0], C.size_t(len(name)), &total); err != C.cudaSuccess {
		return nil, errFactory.Wrap(accel.ErrDeviceInfoFailed, cudaError(err))
	}

	var handle C.cublasHandle_t
	if st := C.cublasCreate_v2(&handle); st != C.CUBLAS_STATUS_SUCCESS {
		return nil, errFactory.Wrap(accel.ErrDeviceInfoFailed, cublasError(st))
	}

	return &device{
		info: accel.DeviceInfo{
			Index:       index,
			Name:        C.GoString(&name[0]),
			TotalMemory: uint64(total),
		},
		handle: handle,
	}, nil
}

func (*Backend) Close() error { return nil }

type device struct {
	info   accel.DeviceInfo
	handle C.cublasHandle_t
}

func (d *device) Info() accel.DeviceInfo { return d.info }

func (d *device) MemoryInfo() (free, total uint64, err error) {
	var f, t C.size_t
	if e := C.cudaMemGetInfo(&f, &t); e != C.cudaSuccess {
		return 0, 0, errors.New().Wrap(accel.ErrDeviceInfoFailed, cudaError(e))
	}

	return uint64(f), uint64(t), nil
}

func (d *device) Allocate(size uint64) (accel.Buffer, error) {
	ptr, err := malloc(size)
	if err != nil {
		return nil, err
	}

	return &buffer{ptr: ptr, size: size}, nil
}

func (d *device) NewMatrix(dim int) (accel.Matrix, error) {
	if dim <= 0 {
		return nil, errors.New().WithData(accel.ErrInvalidOperand, dim)
	}

	size := accel.MatrixBytes(dim)
	ptr, err := malloc(size)
	if err != nil {
		return nil, err
	}

	return &matrix{buffer: buffer{ptr: ptr, size: size}, dim: dim}, nil
}

// MatMul issues dst = a·b on the default stream.
func (d *device) MatMul(dst, a, b accel.Matrix) error {
	md, ma, mb, err := operands(dst, a, b)
	if err != nil {
		return err
	}
	if md.ptr == ma.ptr || md.ptr == mb.ptr {
		return errors.New().WithMessage(accel.ErrInvalidOperand, "matmul output aliases an input")
	}

	n := C.int(md.dim)
	alpha, beta := C.float(1), C.float(0)
	st := C.cublasSgemm_v2(d.handle, C.CUBLAS_OP_N, C.CUBLAS_OP_N, n, n, n,
		&alpha, (*C.float)(ma.ptr), n,
		(*C.float)(mb.ptr), n,
		&beta, (*C.float)(md.ptr), n)
	if st != C.CUBLAS_STATUS_SUCCESS {
		return errors.New().Wrap(accel.ErrKernelFailed, cublasError(st))
	}

	return nil
}

// Axpy issues dst += alpha·src on the default stream.
func (d *device) Axpy(dst, src accel.Matrix, alpha float32) error {
	md, ms, _, err := operands(dst, src, src)
	if err != nil {
		return err
	}

	a := C.float(alpha)
	st := C.cublasSaxpy_v2(d.handle, C.int(md.dim*md.dim), &a, (*C.float)(ms.ptr), 1, (*C.float)(md.ptr), 1)
	if st != C.CUBLAS_STATUS_SUCCESS {
		return errors.New().Wrap(accel.ErrKernelFailed, cublasError(st))
	}

	return nil
}

func (d *device) Synchronize() error {
	if err := C.cudaDeviceSynchronize(); err != C.cudaSuccess {
		return errors.New().Wrap(accel.ErrSyncFailed, cudaError(err))
	}

	return nil
}

func (d *device) Close() error {
	if st := C.cublasDestroy_v2(d.handle); st != C.CUBLAS_STATUS_SUCCESS {
		return errors.New().Wrap(accel.ErrFreeFailed, cublasError(st))
	}

	return nil
}

type buffer struct {
	ptr  unsafe.Pointer
	size uint64
}

func (b *buffer) Size() uint64 { return b.size }

// Fill memsets the whole allocation, which commits every page.
func (b *buffer) Fill(pattern byte) error {
	if err := C.cudaMemset(b.ptr, C.int(pattern), C.size_t(b.size)); err != C.cudaSuccess {
		return errors.New().Wrap(accel.ErrKernelFailed, cudaError(err))
	}

	return nil
}

func (b *buffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	if err := C.cudaFree(b.ptr); err != C.cudaSuccess {
		return errors.New().Wrap(accel.ErrFreeFailed, cudaError(err))
	}
	b.ptr = nil

	return nil
}

type matrix struct {
	buffer
	dim int
}

func (m *matrix) Dim() int { return m.dim }

func malloc(size uint64) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if err := C.cudaMalloc(&ptr, C.size_t(size)); err != C.cudaSuccess {
		// Clear the sticky error so later calls on this thread are unaffected.
		C.cudaGetLastError()
		return nil, errors.New().WithData(accel.ErrOutOfMemory, fmt.Sprintf("%d bytes: %v", size, cudaError(err)))
	}

	return ptr, nil
}

func operands(dst, a, b accel.Matrix) (*matrix, *matrix, *matrix, error) {
	md, ok1 := dst.(*matrix)
	ma, ok2 := a.(*matrix)
	mb, ok3 := b.(*matrix)
	if !ok1 || !ok2 || !ok3 || md.ptr == nil || ma.ptr == nil || mb.ptr == nil {
		return nil, nil, nil, errors.New().WithMessage(accel.ErrInvalidOperand, "operand is not a live CUDA matrix")
	}
	if md.dim != ma.dim || md.dim != mb.dim {
		return nil, nil, nil, errors.New().WithMessage(accel.ErrInvalidOperand, "matrix dimensions differ")
	}

	return md, ma, mb, nil
}

func cudaError(err C.cudaError_t) error {
	return fmt.Errorf("%s", C.GoString(C.cudaGetErrorString(err)))
}

func cublasError(st C.cublasStatus_t) error {
	return fmt.Errorf("cublas status %d", int(st))
}

var _ accel.Backend = (*Backend)(nil)
