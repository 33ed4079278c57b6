//go:build unix

package shutdown

import (
	"os"

	"golang.org/x/sys/unix"
)

func handledSignals() []os.Signal {
	return []os.Signal{os.Interrupt, unix.SIGTERM, unix.SIGTSTP}
}
