package telemetry

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
)

// SMIClient shells out to nvidia-smi once per poll. It holds no handle
// between calls.
type SMIClient struct {
	command string
	timeout time.Duration
	log     logger.Logger
	now     func() time.Time
}

type SMIOption func(*SMIClient)

// WithTimeout bounds each subprocess; zero leaves it unbounded.
func WithTimeout(d time.Duration) SMIOption {
	return func(c *SMIClient) { c.timeout = d }
}

// WithLogger replaces the package logger.
func WithLogger(l logger.Logger) SMIOption {
	return func(c *SMIClient) { c.log = l }
}

func NewSMIClient(command string, opts ...SMIOption) *SMIClient {
	c := &SMIClient{
		command: command,
		log:     logger.With("component", "telemetry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *SMIClient) Poll(ctx context.Context) (Snapshot, bool) {
	devices, err := c.query(ctx)
	if err != nil {
		if errors.HasCode(err, ErrToolNotFound) {
			c.log.Debug().Err(err).Msg("Telemetry tool not available")
		} else {
			c.log.Warn().Err(err).Msg("Error querying telemetry")
		}
		return Snapshot{}, false
	}

	return Snapshot{Timestamp: c.now(), Devices: devices}, true
}

func (c *SMIClient) query(ctx context.Context) ([]DeviceMetrics, error) {
	errFactory := errors.New()

	path, err := exec.LookPath(c.command)
	if err != nil {
		return nil, errFactory.Wrap(ErrToolNotFound, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path,
		"--query-gpu="+QueryFields,
		"--format=csv,noheader,nounits",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errFactory.WithData(ErrQueryFailed, struct {
			Error  string
			Stderr string
		}{
			Error:  err.Error(),
			Stderr: strings.TrimSpace(stderr.String()),
		})
	}

	return ParseCSV(stdout.String())
}

var _ Client = (*SMIClient)(nil)
