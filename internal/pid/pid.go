// Package pid keeps two stress runs from sharing the same devices.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/nvidiastress/internal/errors"
)

const pidFile = "nvidiastress.pid"

// DefaultPath is the PID file location used when none is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), pidFile)
}

// Write records the current process ID at path. It fails with
// ErrAlreadyRunning when the file names another live process; a stale or
// unreadable file is replaced.
func Write(path string) error {
	errFactory := errors.New()
	self := os.Getpid()

	if owner, ok := readOwner(path); ok && owner != self && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			PID  int
			Path string
		}{owner, path})
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(self)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if this process owns it.
func Remove(path string) error {
	owner, ok := readOwner(path)
	if !ok || owner != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func readOwner(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	owner, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || owner <= 0 {
		return 0, false
	}

	return owner, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
