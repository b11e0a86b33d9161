package container

import "fmt"

// Phase describes the container lifecycle state.
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

// legalTransitions is the single source of truth for phase changes; every
// mutation goes through Record.transition.
var legalTransitions = map[Phase][]Phase{
	PhaseCreating: {PhaseRunning, PhaseError},
	PhaseRunning:  {PhaseStopped, PhaseError},
	PhaseError:    {PhaseStopped},
}

// TransitionError reports an illegal phase change.
type TransitionError struct {
	ContainerID string
	From, To    Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("container %s: illegal transition %s -> %s", shortID(e.ContainerID), e.From, e.To)
}

func (r *Record) transition(to Phase) error {
	for _, next := range legalTransitions[r.Phase] {
		if next == to {
			r.Phase = to
			return nil
		}
	}
	return &TransitionError{ContainerID: r.ID, From: r.Phase, To: to}
}
