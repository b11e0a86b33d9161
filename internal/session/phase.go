package session

import "fmt"

// Phase describes the session lifecycle state. Error is never terminal: it
// resolves to recreation on next access.
type Phase uint8

const (
	PhaseCreating Phase = iota
	PhaseRunning
	PhaseStopped
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseCreating:
		return "creating"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

var legalTransitions = map[Phase][]Phase{
	PhaseCreating: {PhaseRunning, PhaseError},
	PhaseRunning:  {PhaseStopped, PhaseError},
	PhaseStopped:  {PhaseRunning, PhaseError},
	PhaseError:    {PhaseRunning, PhaseStopped},
}

// TransitionError reports an illegal phase change.
type TransitionError struct {
	Session  string
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.Session, e.From, e.To)
}

func (s *state) transition(to Phase) error {
	if s.phase == to {
		return nil
	}
	for _, next := range legalTransitions[s.phase] {
		if next == to {
			s.phase = to
			return nil
		}
	}
	return &TransitionError{Session: s.key.String(), From: s.phase, To: to}
}
