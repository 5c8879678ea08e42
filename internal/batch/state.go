package batch

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a job.
type State string

const (
	StateCreated           State = "CREATED"
	StatePartitionsRunning State = "PARTITIONS_RUNNING"
	StateAggregating       State = "AGGREGATING"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateStopped           State = "STOPPED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

var transitions = map[State][]State{
	StateCreated:           {StatePartitionsRunning, StateFailed, StateStopped},
	StatePartitionsRunning: {StateAggregating, StateFailed, StateStopped},
	StateAggregating:       {StateCompleted, StateFailed},
}

// Observer is told about every transition. It runs on the goroutine that made
// the transition and must not call back into the job.
type Observer func(jobID int64, from, to State)

// Lifecycle guards the state of one job.
type Lifecycle struct {
	jobID    int64
	observer Observer

	mu    sync.Mutex
	state State
}

// NewLifecycle starts in StateCreated.
func NewLifecycle(jobID int64, observer Observer) *Lifecycle {
	return &Lifecycle{jobID: jobID, observer: observer, state: StateCreated}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to next or returns an error if the table does not allow it.
func (l *Lifecycle) Transition(next State) error {
	l.mu.Lock()
	from := l.state
	if !allowed(from, next) {
		l.mu.Unlock()
		return fmt.Errorf("job %d: illegal transition %s -> %s", l.jobID, from, next)
	}
	l.state = next
	l.mu.Unlock()

	if l.observer != nil {
		l.observer(l.jobID, from, next)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
