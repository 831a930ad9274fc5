package harvest

import "fmt"

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateAwaitingLimit
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateSearching:     "searching",
	StateAwaitingLimit: "awaiting_limit",
	StateRunning:       "running",
	StateCompleted:     "completed",
	StateCancelled:     "cancelled",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the state waits for Acknowledge.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
