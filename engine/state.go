package engine

// State is the lifecycle position of the orchestrator or of one managed
// instance. Transitions only move forward: Created -> Initialized ->
// Started -> Stopped.
type State int

const (
	// StateCreated means registered but not yet initialized.
	StateCreated State = iota
	// StateInitialized means wired and initialized, not yet running.
	StateInitialized
	// StateStarted means actively running.
	StateStarted
	// StateStopped means shut down; terminal.
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
