package stress

import "codeberg.org/mutker/nvidiastress/internal/errors"

const (
	ErrOpenDevice       = errors.ErrorCode("stress_open_device_failed")
	ErrFillerAlloc      = errors.ErrorCode("stress_filler_alloc_failed")
	ErrComputeAlloc     = errors.ErrorCode("stress_compute_alloc_failed")
	ErrComputeIteration = errors.ErrorCode("stress_compute_iteration_failed")
	ErrDriverPanic      = errors.ErrorCode("stress_driver_panic")
)
