package scan

// State is the lifecycle state of a scan session.
type State int

const (
	StateIdle State = iota
	StateEnginesLoading
	StateCameraReady
	StateScanning
	StatePaused
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEnginesLoading:
		return "ENGINES_LOADING"
	case StateCameraReady:
		return "CAMERA_READY"
	case StateScanning:
		return "SCANNING"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how a single pass ended.
type Outcome int

const (
	OutcomeMatched Outcome = iota
	// OutcomeDetected means the name equals the previous search and the
	// catalog was not queried again.
	OutcomeDetected
	OutcomeNoText
	OutcomeSearchFailed
	OutcomeNoMatch
	OutcomeCaptureFailed
	// OutcomeDiscarded means the session was paused or stopped while the
	// pass ran, so its result was dropped.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeDetected:
		return "detected"
	case OutcomeNoText:
		return "no_text"
	case OutcomeSearchFailed:
		return "search_failed"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeCaptureFailed:
		return "capture_failed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}
