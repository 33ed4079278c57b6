package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/accel/cuda"
	"codeberg.org/mutker/nvidiastress/internal/config"
	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/exporter"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/metrics"
	"codeberg.org/mutker/nvidiastress/internal/monitor"
	"codeberg.org/mutker/nvidiastress/internal/orchestrator"
	"codeberg.org/mutker/nvidiastress/internal/pid"
	"codeberg.org/mutker/nvidiastress/internal/shutdown"
	"codeberg.org/mutker/nvidiastress/internal/stop"
	"codeberg.org/mutker/nvidiastress/internal/stress"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/spf13/pflag"
)

const (
	exitOK          = 0
	exitNoDevices   = 1
	exitConfigError = 2

	exporterShutdownTimeout = 2 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigError
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	logger.Debug().Interface("config", cfg).Msg("Config loaded")

	flag := stop.New()
	ctrl := shutdown.New(flag)
	ctrl.Start()
	defer ctrl.Stop()

	if cfg.SingleInstance {
		path := pid.DefaultPath()
		if err := pid.Write(path); err != nil {
			logError(err, "Another stress run holds the devices")
			return exitNoDevices
		}
		defer func() {
			if err := pid.Remove(path); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove PID file")
			}
		}()
	}

	backend, err := newBackend(cfg)
	if err != nil {
		logError(err, "No compute devices available")
		return exitNoDevices
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close backend")
		}
	}()

	tel, closeTel := newTelemetry(cfg)
	defer closeTel()

	opts := []orchestrator.Option{orchestrator.WithSinks(monitor.NewTableRenderer(stdout))}

	if cfg.RecordDB != "" {
		recorder, err := metrics.NewService(metrics.DefaultConfig(cfg.RecordDB))
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.RecordDB).Msg("Telemetry recording disabled")
		} else {
			logger.Info().Str("run_id", recorder.RunID()).Str("path", cfg.RecordDB).Msg("Recording telemetry")
			opts = append(opts, orchestrator.WithSinks(recorder))
			defer func() {
				if err := recorder.Close(); err != nil {
					logger.Warn().Err(err).Msg("Failed to close telemetry recorder")
				}
			}()
		}
	}

	if cfg.MetricsAddr != "" {
		exp := exporter.New()
		if _, err := exp.Serve(cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint disabled")
		} else {
			opts = append(opts, orchestrator.WithSinks(exp), orchestrator.WithObserver(exp))
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), exporterShutdownTimeout)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Warn().Err(err).Msg("Failed to stop metrics endpoint")
				}
			}()
		}
	}

	orch := orchestrator.New(backend, tel, flag, opts...)
	_, err = orch.Run(context.Background(), orchestrator.Config{
		Stress: stress.Config{
			Duration:   cfg.DurationValue(),
			TargetVRAM: cfg.TargetVRAMBytes(),
			MatrixSize: cfg.MatrixSize,
			Policy: stress.Policy{
				DirtyThreshold:     cfg.DirtyThreshold,
				OverheadBytes:      config.GBToBytes(cfg.ReserveOverheadGB),
				ComputeBudgetBytes: config.GBToBytes(cfg.ComputeBudgetGB),
			},
		},
		MonitorInterval: cfg.MonitorIntervalValue(),
	})
	if err != nil {
		logError(err, "Stress run did not start")
		return exitNoDevices
	}

	logger.Info().Msg("Exiting...")

	return exitOK
}

func newBackend(cfg *config.Config) (accel.Backend, error) {
	if cfg.Backend == config.BackendHost {
		logger.Warn().
			Int("devices", cfg.HostDevices).
			Float64("memory_gb", cfg.HostMemoryGB).
			Msg("Using emulated host devices")
		return accel.NewHostBackend(cfg.HostDevices, config.GBToBytes(cfg.HostMemoryGB)), nil
	}

	b, err := cuda.New()
	if err != nil {
		return nil, err
	}

	return b, nil
}

// newTelemetry picks the configured source. NVML falls back to nvidia-smi
// when the library cannot be initialized.
func newTelemetry(cfg *config.Config) (telemetry.Client, func()) {
	if cfg.TelemetrySource == config.TelemetryNVML {
		c, err := telemetry.NewNVMLClient()
		if err == nil {
			return c, func() {
				if err := c.Close(); err != nil {
					logger.Warn().Err(err).Msg("Failed to shut down NVML")
				}
			}
		}
		logger.Warn().Err(err).Msg("NVML unavailable, falling back to nvidia-smi")
	}

	return telemetry.NewSMIClient(cfg.TelemetryCommand, telemetry.WithTimeout(cfg.TelemetryTimeoutValue())), func() {}
}

func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
