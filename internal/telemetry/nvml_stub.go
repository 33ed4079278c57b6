//go:build nonvml

package telemetry

import (
	"context"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

// NVMLClient stub, used when building without NVIDIA libraries.
type NVMLClient struct{}

func NewNVMLClient() (*NVMLClient, error) {
	return nil, errors.New().WithMessage(ErrNVMLInit, "NVML not available (built with nonvml tag)")
}

func (*NVMLClient) Poll(_ context.Context) (Snapshot, bool) {
	return Snapshot{}, false
}

func (*NVMLClient) Close() error {
	return nil
}

var _ Client = (*NVMLClient)(nil)
