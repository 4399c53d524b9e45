package archive

// State is the progress of one save operation.
type State int

const (
	StateIdle State = iota
	StateCatalogReady
	StateLaidOut
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCatalogReady:
		return "CatalogReady"
	case StateLaidOut:
		return "LaidOut"
	case StateStreaming:
		return "Streaming"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// next reports whether to is the forward step from s. Failed is reachable
// from every state and never left.
func (s State) next(to State) bool {
	if s == StateFailed || s == StateDone {
		return false
	}
	return to == StateFailed || to == s+1
}
