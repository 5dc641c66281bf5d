package ndt7

import (
	"log/slog"
)

// State is the lifecycle position of one measurement connection
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}

// allowed lists the legal transitions. Errored is reachable from every
// non-terminal state.
var allowed = map[State][]State{
	Connecting: {Open, Errored},
	Open:       {Closing, Closed, Errored},
	Closing:    {Closed, Errored},
}

// phase tracks the state of one download or upload connection
type phase struct {
	name   string
	state  State
	logger *slog.Logger
}

func newPhase(name string, logger *slog.Logger) *phase {
	return &phase{name: name, state: Connecting, logger: logger}
}

// to moves the phase to next. Illegal transitions are ignored and reported
// as false, so a terminal state is never left.
func (p *phase) to(next State) bool {
	for _, s := range allowed[p.state] {
		if s == next {
			p.logger.Debug("ndt7 state change", "phase", p.name, "from", p.state, "to", next)
			p.state = next
			return true
		}
	}
	return false
}
