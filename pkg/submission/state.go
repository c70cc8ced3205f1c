package submission

import (
	"fmt"
	"time"
)

// State is a step of one submission attempt.
type State string

const (
	StateReceived         State = "received"
	StateDuplicateChecked State = "duplicate_checked"
	StateProved           State = "proved"
	StateSubmitted        State = "submitted"
	StateIndexed          State = "indexed"
	StateDone             State = "done"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:         {StateDuplicateChecked, StateRejected, StateFailed},
	StateDuplicateChecked: {StateProved, StateFailed},
	StateProved:           {StateSubmitted, StateFailed},
	StateSubmitted:        {StateIndexed, StateDone},
	StateIndexed:          {StateDone},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one entry of an attempt's trace.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Stage  Stage     `json:"stage,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// machine tracks the state of one attempt.
type machine struct {
	state State
	trace []Transition
	now   func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StateReceived, now: now}
}

func (m *machine) to(s State) {
	m.move(s, "", "")
}

func (m *machine) fail(stage Stage, reason string) {
	m.move(StateFailed, stage, reason)
}

// A submission never goes backwards; an illegal move is a coordinator bug.
func (m *machine) move(s State, stage Stage, reason string) {
	if !canTransition(m.state, s) {
		panic(fmt.Sprintf("submission: illegal transition %s -> %s", m.state, s))
	}
	m.trace = append(m.trace, Transition{
		From:   m.state,
		To:     s,
		At:     m.now().UTC(),
		Stage:  stage,
		Reason: reason,
	})
	m.state = s
}
