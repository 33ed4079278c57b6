//go:build !cuda

package cuda

import (
	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// Backend stub, used when building without the cuda tag.
type Backend struct{}

func New() (*Backend, error) {
	return nil, errors.New().WithMessage(accel.ErrBackendUnavailable, "CUDA not available (built without cuda tag)")
}

func (*Backend) Name() string { return "cuda" }

func (*Backend) DeviceCount() (int, error) { return 0, nil }

func (*Backend) Open(index int) (accel.Device, error) {
	return nil, errors.New().WithData(accel.ErrDeviceNotFound, index)
}

func (*Backend) Close() error { return nil }

var _ accel.Backend = (*Backend)(nil)
