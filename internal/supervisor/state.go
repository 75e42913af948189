package supervisor

// State is the process lifecycle state.
type State int32

const (
	Uninitialized State = iota
	ConnectingDB
	Listening
	ShuttingDown
	Crashed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ConnectingDB:
		return "connecting_db"
	case Listening:
		return "listening"
	case ShuttingDown:
		return "shutting_down"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Strategy is how a fatal error ends the process.
type Strategy int

const (
	// Immediate exits with status 1 without draining.
	Immediate Strategy = iota
	// Drain stops the listener, waits for in-flight responses, closes the
	// database and exits with status 1.
	Drain
)

func (s Strategy) String() string {
	if s == Drain {
		return "drain"
	}
	return "immediate"
}

// Fatal is one error delivered to the fatal channel.
type Fatal struct {
	Err      error
	Strategy Strategy
}
