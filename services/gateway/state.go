package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/upb/ai-execution-gateway/services/providers"
)

// State is the lifecycle position of one execution
type State int

const (
	StateReceived State = iota
	StateValidated
	StateAdmitted
	StateDispatched
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateReceived:   "received",
	StateValidated:  "validated",
	StateAdmitted:   "admitted",
	StateDispatched: "dispatched",
	StateSucceeded:  "succeeded",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrInvalidTransition is returned when an execution would move backwards,
// skip a step or leave a terminal state
var ErrInvalidTransition = errors.New("invalid state transition")

// Execution tracks one request through
// Received → Validated → Admitted → Dispatched → {Succeeded | Failed}.
// Failed is reachable from any non-terminal state.
type Execution struct {
	RequestID string
	Request   providers.ExecutionRequest
	StartedAt time.Time

	state   State
	history []State
}

func newExecution(req providers.ExecutionRequest, startedAt time.Time) *Execution {
	return &Execution{
		RequestID: req.RequestID,
		Request:   req,
		StartedAt: startedAt,
		state:     StateReceived,
		history:   []State{StateReceived},
	}
}

// State returns the current state
func (e *Execution) State() State {
	return e.state
}

// History returns every state the execution has been in, in order
func (e *Execution) History() []State {
	history := make([]State, len(e.history))
	copy(history, e.history)
	return history
}

// Advance moves the execution forward
func (e *Execution) Advance(to State) error {
	if e.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.state)
	}
	if to != StateFailed && to != e.state+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
	}

	e.state = to
	e.history = append(e.history, to)
	return nil
}
