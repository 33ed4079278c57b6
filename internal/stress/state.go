package stress

import "time"

// State is a stage of a driver's lifecycle.
type State int

const (
	StateInit State = iota
	StateBaselineCheck
	StateFillerAllocation
	StateComputeLoop
	StateTeardown
)

var stateNames = [...]string{
	StateInit:             "init",
	StateBaselineCheck:    "baseline_check",
	StateFillerAllocation: "filler_allocation",
	StateComputeLoop:      "compute_loop",
	StateTeardown:         "teardown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateInit, StateBaselineCheck, StateFillerAllocation, StateComputeLoop, StateTeardown}
}

// Reason explains why a driver reached Teardown.
type Reason string

const (
	ReasonDeadline           Reason = "deadline"
	ReasonStopped            Reason = "stopped"
	ReasonInitFailed         Reason = "init_failed"
	ReasonComputeAllocFailed Reason = "compute_alloc_failed"
	ReasonComputeFailed      Reason = "compute_failed"
	ReasonPanic              Reason = "panic"
)

// Completed reports whether the driver ended through a normal exit condition.
func (r Reason) Completed() bool {
	return r == ReasonDeadline || r == ReasonStopped
}

// Result summarizes one driver run.
type Result struct {
	Device        int
	Name          string
	TotalMemory   uint64
	Reason        Reason
	Dirty         bool
	FillerSkipped bool
	// FillerErr is the non-fatal reason a filler could not be placed.
	FillerErr     error
	FillerBytes   uint64
	Iterations    uint64
	Elapsed       time.Duration
	Err           error
}

// Observer receives driver progress. Implementations must be safe for
// concurrent use by every driver.
type Observer interface {
	StateChanged(device int, state State)
	FillerAllocated(device int, bytes uint64)
	IterationCompleted(device int)
}

type noopObserver struct{}

func (noopObserver) StateChanged(int, State)      {}
func (noopObserver) FillerAllocated(int, uint64) {}
func (noopObserver) IterationCompleted(int)      {}
