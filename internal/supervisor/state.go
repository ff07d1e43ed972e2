package supervisor

import "fmt"

// State is a phase of the reasoning loop within one turn.
type State int

const (
	StateSelecting State = iota
	StateInvoking
	StateObserving
	StateFinalizing
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateInvoking:
		return "invoking"
	case StateObserving:
		return "observing"
	case StateFinalizing:
		return "finalizing"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successors of each state. Selecting may loop
// on itself when a reply could not be parsed. Finalizing and Aborted are terminal.
var transitions = map[State][]State{
	StateSelecting: {StateSelecting, StateInvoking, StateFinalizing, StateAborted},
	StateInvoking:  {StateObserving},
	StateObserving: {StateSelecting},
}

type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: StateSelecting, path: []State{StateSelecting}}
}

// to moves to next, refusing transitions the table does not list.
func (m *machine) to(next State) error {
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			m.path = append(m.path, next)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, next)
}

func (m *machine) done() bool {
	return m.state == StateFinalizing || m.state == StateAborted
}
