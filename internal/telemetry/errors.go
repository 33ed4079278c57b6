package telemetry

import "codeberg.org/mutker/nvidiastress/internal/errors"

const (
	ErrToolNotFound   = errors.ErrorCode("telemetry_tool_not_found")
	ErrQueryFailed    = errors.ErrorCode("telemetry_query_failed")
	ErrMalformedBatch = errors.ErrorCode("telemetry_malformed_output")
	ErrNVMLInit       = errors.ErrorCode("telemetry_nvml_init_failed")
	ErrNVMLQuery      = errors.ErrorCode("telemetry_nvml_query_failed")
)
