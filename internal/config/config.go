package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix         = "NVIDIASTRESS"
	configEnv         = "NVIDIASTRESS_CONFIG"
	defaultConfigName = "nvidiastress"
	defaultConfigDir  = "/etc"

	DefaultDuration        = 60
	DefaultMonitorInterval = 2
	DefaultLogLevel        = "info"
	DefaultBackend         = BackendCUDA
	DefaultMatrixSize      = 8192
	DefaultHostMatrixSize  = 512
	DefaultDirtyThreshold  = 0.20
	DefaultReserveGB       = 1.0
	DefaultComputeBudgetGB = 2.0
	DefaultTelemetrySource = TelemetrySMI
	DefaultTelemetryCmd    = "nvidia-smi"
	DefaultHostDevices     = 1
	DefaultHostMemoryGB    = 4.0

	BackendCUDA = "cuda"
	BackendHost = "host"

	TelemetrySMI  = "smi"
	TelemetryNVML = "nvml"
)

// Config holds every setting of a stress run. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Duration          int     `mapstructure:"duration"`
	TargetVRAM        float64 `mapstructure:"target_vram"`
	MonitorInterval   int     `mapstructure:"monitor_interval"`
	LogLevel          string  `mapstructure:"log_level"`
	Backend           string  `mapstructure:"backend"`
	MatrixSize        int     `mapstructure:"matrix_size"`
	DirtyThreshold    float64 `mapstructure:"dirty_threshold"`
	ReserveOverheadGB float64 `mapstructure:"reserve_overhead_gb"`
	ComputeBudgetGB   float64 `mapstructure:"compute_budget_gb"`
	TelemetrySource   string  `mapstructure:"telemetry_source"`
	TelemetryCommand  string  `mapstructure:"telemetry_command"`
	TelemetryTimeout  int     `mapstructure:"telemetry_timeout"`
	RecordDB          string  `mapstructure:"record_db"`
	MetricsAddr       string  `mapstructure:"metrics_addr"`
	HostDevices       int     `mapstructure:"host_devices"`
	HostMemoryGB      float64 `mapstructure:"host_memory_gb"`
	SingleInstance    bool    `mapstructure:"single_instance"`
}

// Load builds a Config from defaults, the config file, NVIDIASTRESS_* environment
// variables and the given command line arguments, in increasing precedence.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, flags); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.applyBackendDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("duration", DefaultDuration)
	v.SetDefault("target_vram", 0.0)
	v.SetDefault("monitor_interval", DefaultMonitorInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("backend", DefaultBackend)
	v.SetDefault("matrix_size", 0)
	v.SetDefault("dirty_threshold", DefaultDirtyThreshold)
	v.SetDefault("reserve_overhead_gb", DefaultReserveGB)
	v.SetDefault("compute_budget_gb", DefaultComputeBudgetGB)
	v.SetDefault("telemetry_source", DefaultTelemetrySource)
	v.SetDefault("telemetry_command", DefaultTelemetryCmd)
	v.SetDefault("telemetry_timeout", 0)
	v.SetDefault("record_db", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("host_devices", DefaultHostDevices)
	v.SetDefault("host_memory_gb", DefaultHostMemoryGB)
	v.SetDefault("single_instance", false)
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"duration":         "duration",
	"target-vram":      "target_vram",
	"monitor-interval": "monitor_interval",
	"log-level":        "log_level",
	"backend":          "backend",
	"matrix-size":      "matrix_size",
	"telemetry-source": "telemetry_source",
	"record-db":        "record_db",
	"metrics-addr":     "metrics_addr",
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("nvidiastress", pflag.ContinueOnError)

	flags.Int("duration", DefaultDuration, "Duration of the test in seconds (0 for infinite)")
	flags.Float64("target-vram", 0, "Target VRAM to fill in GB (default: max available)")
	flags.Int("monitor-interval", DefaultMonitorInterval, "Interval in seconds to print GPU metrics")
	flags.String("config", "", "Path to a TOML config file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("backend", DefaultBackend, "Compute backend (cuda, host); cuda needs a build with -tags cuda")
	flags.Int("matrix-size", 0, "Dimension of the square compute matrices (default 8192 for cuda, 512 for host)")
	flags.String("telemetry-source", DefaultTelemetrySource, "Telemetry source (smi, nvml)")
	flags.String("record-db", "", "Record telemetry snapshots to this sqlite database")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	return flags
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}

	return nil
}

func readConfigFile(v *viper.Viper, flags *pflag.FlagSet) error {
	errFactory := errors.New()

	path, _ := flags.GetString("config")
	if path == "" {
		path = os.Getenv(configEnv)
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(defaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// applyBackendDefaults fills settings whose default depends on the backend.
func (c *Config) applyBackendDefaults() {
	if c.MatrixSize != 0 {
		return
	}

	c.MatrixSize = DefaultMatrixSize
	if c.Backend == BackendHost {
		c.MatrixSize = DefaultHostMatrixSize
	}
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Duration < 0 {
		return errFactory.WithData(errors.ErrInvalidDuration, c.Duration)
	}
	if c.MonitorInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.MonitorInterval)
	}
	if c.TargetVRAM < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "target_vram must not be negative")
	}
	if c.MatrixSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "matrix_size must be positive")
	}
	if c.DirtyThreshold <= 0 || c.DirtyThreshold > 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "dirty_threshold must be in (0, 1]")
	}
	if c.ReserveOverheadGB < 0 || c.ComputeBudgetGB < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "reserve sizes must not be negative")
	}
	if c.TelemetryTimeout < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "telemetry_timeout must not be negative")
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Backend {
	case BackendCUDA:
	case BackendHost:
		if c.HostDevices < 0 || c.HostMemoryGB <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "host backend needs host_devices >= 0 and host_memory_gb > 0")
		}
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown backend "+c.Backend)
	}

	switch c.TelemetrySource {
	case TelemetrySMI, TelemetryNVML:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown telemetry source "+c.TelemetrySource)
	}

	return nil
}

// DurationValue returns the stress duration; zero means unbounded.
func (c *Config) DurationValue() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

// MonitorIntervalValue returns the monitor polling interval.
func (c *Config) MonitorIntervalValue() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Second
}

// TelemetryTimeoutValue returns the per-poll timeout; zero means none.
func (c *Config) TelemetryTimeoutValue() time.Duration {
	return time.Duration(c.TelemetryTimeout) * time.Second
}

// TargetVRAMBytes converts the GB target into bytes; zero means unset.
func (c *Config) TargetVRAMBytes() uint64 {
	return GBToBytes(c.TargetVRAM)
}

// GBToBytes converts binary gigabytes into bytes.
func GBToBytes(gb float64) uint64 {
	if gb <= 0 {
		return 0
	}

	return uint64(gb * (1 << 30))
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}
