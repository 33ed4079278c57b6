package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultBatchSize    = 32
	defaultBatchTimeout = 10 * time.Second
	backupDirName       = "backups"
)

type Config struct {
	DBPath       string
	BackupDir    string
	BatchSize    int
	BatchTimeout time.Duration
	Enabled      bool
}

// DefaultConfig returns a disabled recorder writing to dbPath.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:       dbPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      dbPath != "",
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if recording is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize    int
			BatchTimeout time.Duration
		}{c.BatchSize, c.BatchTimeout})
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), backupDirName)
}
