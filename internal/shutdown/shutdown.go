// Package shutdown turns termination signals into an immediate, bounded
// process exit after raising the shared stop flag.
package shutdown

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/stop"
)

const signalExitBase = 128

type Controller struct {
	stop    *stop.Flag
	exit    func(code int)
	out     io.Writer
	signals []os.Signal

	sigCh chan os.Signal
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

type Option func(*Controller)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Controller) { c.exit = exit }
}

// WithOutput sets where the interrupt notice is printed.
func WithOutput(w io.Writer) Option {
	return func(c *Controller) { c.out = w }
}

func New(flag *stop.Flag, opts ...Option) *Controller {
	c := &Controller{
		stop:    flag,
		exit:    os.Exit,
		out:     os.Stderr,
		signals: handledSignals(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start registers the signal handlers.
func (c *Controller) Start() {
	c.sigCh = make(chan os.Signal, 1)
	c.quit = make(chan struct{})
	c.done = make(chan struct{})

	signal.Notify(c.sigCh, c.signals...)
	go c.loop()
}

// Stop unregisters the handlers. Signals arriving afterwards get the default
// disposition.
func (c *Controller) Stop() {
	c.once.Do(func() {
		if c.sigCh == nil {
			return
		}
		signal.Stop(c.sigCh)
		close(c.quit)
		<-c.done
	})
}

func (c *Controller) loop() {
	defer close(c.done)

	select {
	case sig := <-c.sigCh:
		c.Handle(sig)
	case <-c.quit:
	}
}

// Handle performs the shutdown sequence for sig: notice, stop flag, exit.
// Device work is not waited for; process exit releases device memory.
func (c *Controller) Handle(sig os.Signal) {
	fmt.Fprintf(c.out, "\nReceived %s, stopping stress run and exiting\n", sig)
	logger.Warn().Str("signal", sig.String()).Msg("Interrupted")

	c.stop.Set()
	c.exit(ExitCode(sig))
}

// ExitCode maps a signal to the conventional 128+n status.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return signalExitBase + int(s)
	}

	return signalExitBase + int(syscall.SIGINT)
}
