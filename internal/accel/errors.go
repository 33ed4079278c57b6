package accel

import "codeberg.org/mutker/nvidiastress/internal/errors"

const (
	ErrBackendUnavailable = errors.ErrorCode("accel_backend_unavailable")
	ErrDeviceCountFailed  = errors.ErrorCode("accel_device_count_failed")
	ErrDeviceNotFound     = errors.ErrorCode("accel_device_not_found")
	ErrDeviceInfoFailed   = errors.ErrorCode("accel_device_info_failed")
	ErrOutOfMemory        = errors.ErrorCode("accel_out_of_memory")
	ErrInvalidOperand     = errors.ErrorCode("accel_invalid_operand")
	ErrKernelFailed       = errors.ErrorCode("accel_kernel_failed")
	ErrSyncFailed         = errors.ErrorCode("accel_sync_failed")
	ErrFreeFailed         = errors.ErrorCode("accel_free_failed")
)
