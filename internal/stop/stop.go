// Package stop provides the process-wide stop flag shared by the monitor,
// the stress drivers and the shutdown controller.
package stop

import "sync/atomic"

// Flag is a monotonic boolean: it starts false and can only ever become true.
type Flag struct {
	set  atomic.Bool
	done chan struct{}
}

func New() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set raises the flag. It returns true only for the call that performed the
// transition; later calls have no effect.
func (f *Flag) Set() bool {
	if !f.set.CompareAndSwap(false, true) {
		return false
	}
	close(f.done)

	return true
}

func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done is closed once the flag is raised.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}
