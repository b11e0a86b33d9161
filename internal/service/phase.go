package service

import "fmt"

// Phase describes the service lifecycle state.
type Phase uint8

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var legalTransitions = map[Phase][]Phase{
	PhaseStarting: {PhaseRunning, PhaseStopping, PhaseStopped, PhaseFailed},
	PhaseRunning:  {PhaseStopping, PhaseStopped, PhaseFailed},
	PhaseStopping: {PhaseStopped},
}

// TransitionError reports an illegal phase change.
type TransitionError struct {
	ServiceID string
	From, To  Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("service %s: illegal transition %s -> %s", e.ServiceID, e.From, e.To)
}

func (s *Service) transition(to Phase) error {
	if s.Phase == to {
		return nil
	}
	for _, next := range legalTransitions[s.Phase] {
		if next == to {
			s.Phase = to
			return nil
		}
	}
	return &TransitionError{ServiceID: s.ID, From: s.Phase, To: to}
}
