package exporter

import "codeberg.org/mutker/nvidiastress/internal/errors"

const (
	ErrListen   = errors.ErrorCode("exporter_listen_failed")
	ErrServe    = errors.ErrorCode("exporter_serve_failed")
	ErrShutdown = errors.ErrorCode("exporter_shutdown_failed")
)
