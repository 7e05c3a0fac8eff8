package transaction

// State is the in-memory state of a transaction on a resource-manager node
// (spec.md §3's RM state machine). Narrowed/renamed from the teacher's
// four-state Running/Prepared/Committed/Aborted model to the six states the
// one-phase/two-phase protocol in §4.5 actually transitions through.
type State int

const (
	StateIdle State = iota
	StatePrepareCommitting
	StatePrepareAborting
	StateCommitting
	StateAborting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePrepareCommitting:
		return "PREPARE_COMMITTING"
	case StatePrepareAborting:
		return "PREPARE_ABORTING"
	case StateCommitting:
		return "COMMITTING"
	case StateAborting:
		return "ABORTING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN_STATE"
	}
}

// Terminal reports whether the transaction has left the active pipeline.
func (s State) Terminal() bool {
	return s == StateEnded
}
