package workbox

// ContainerHealth describes the monitor's view of one container based on its
// recent inspection results.
type ContainerHealth uint8

const (
	HealthUnknown ContainerHealth = iota // no completed check yet
	HealthRunning                        // last check saw the container running
	HealthFlapping                       // some recent checks failed, below the failure threshold
	HealthFailed                         // consecutive failures reached the threshold
)

func (h ContainerHealth) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthRunning:
		return "running"
	case HealthFlapping:
		return "flapping"
	case HealthFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// HealthSummary is a snapshot of container health across the manager.
type HealthSummary struct {
	Total    int
	Running  int
	Flapping int
	Failed   int
}

// Healthy reports whether every tracked container is currently running.
func (s HealthSummary) Healthy() bool {
	return s.Failed == 0 && s.Flapping == 0
}
