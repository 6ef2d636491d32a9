package graphagent

import (
	"fmt"
	"time"
)

// State is a stage of the answering pipeline.
type State string

const (
	StatePlanning     State = "planning"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateCritiquing   State = "critiquing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// transitions lists the allowed moves. Failed is reachable from any
// non-terminal state and is added in Allowed.
var transitions = map[State][]State{
	StatePlanning:     {StateRetrieving, StateDone},
	StateRetrieving:   {StateSynthesizing, StateDone},
	StateSynthesizing: {StateCritiquing, StateDone},
	StateCritiquing:   {StateSynthesizing, StateDone},
}

// Allowed reports whether the pipeline may move from one state to another.
func Allowed(from, to State) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Activity describes the state for user-facing messages.
func (s State) Activity() string {
	switch s {
	case StatePlanning:
		return "planning the answer"
	case StateRetrieving:
		return "retrieving filings"
	case StateSynthesizing:
		return "writing the report"
	case StateCritiquing:
		return "reviewing the report"
	default:
		return string(s)
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// machine tracks one query's state.
type machine struct {
	state State
	trace []Transition
}

func newMachine() *machine {
	return &machine{state: StatePlanning}
}

func (m *machine) moveTo(to State, detail string) error {
	if !Allowed(m.state, to) {
		return fmt.Errorf("graphagent: illegal transition %s -> %s", m.state, to)
	}
	m.trace = append(m.trace, Transition{From: m.state, To: to, At: time.Now(), Detail: detail})
	m.state = to
	return nil
}

// fail moves to Failed and wraps err with the failing stage.
func (m *machine) fail(err error) error {
	stage := m.state
	_ = m.moveTo(StateFailed, err.Error())
	return &StageError{Stage: stage, Err: err}
}
