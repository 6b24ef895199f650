package peer

// Result is the four-way outcome every state-machine layer returns. A
// callee's non-OK result propagates to its caller unchanged, except
// that CloseResult is absorbed at the TCP layer, where the mortality
// state machine advances (StepMortality).
type Result int

const (
	OK Result = iota
	CloseResult
	Again
	Fatal
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case CloseResult:
		return "CLOSE_PEER"
	case Again:
		return "AGAIN"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN_RESULT"
	}
}

// FatalError wraps an invariant violation that must terminate the
// process.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "ringsocket: fatal: " + e.Op
	}
	return "ringsocket: fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }
