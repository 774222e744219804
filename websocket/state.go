package websocket

import "sync/atomic"

// connState is the connection's lifecycle state (spec.md section 4.6:
// "None -> Connecting -> Open -> Closing -> Closed"). Grounded on the
// teacher's boolean writeErr/readErr sentinels (conn.go), generalized into
// an explicit CAS-guarded state integer so every transition is atomic and
// exactly-once.
type connState int32

const (
	stateNone connState = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine holds the atomic state integer and enforces the allowed
// transition table.
type stateMachine struct {
	v atomic.Int32
}

func newStateMachine(initial connState) *stateMachine {
	sm := &stateMachine{}
	sm.v.Store(int32(initial))
	return sm
}

func (sm *stateMachine) load() connState {
	return connState(sm.v.Load())
}

// allowedTransitions enumerates the only legal state moves.
var allowedTransitions = map[connState][]connState{
	stateNone:       {stateConnecting, stateClosed},
	stateConnecting: {stateOpen, stateClosed},
	stateOpen:       {stateClosing, stateClosed},
	stateClosing:    {stateClosed},
	stateClosed:     {},
}

func isAllowedTransition(from, to connState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// transition attempts to move from `from` to `to`, retrying the CAS against
// the current value as long as the move remains legal from wherever it
// lands (another goroutine may have raced it to an intermediate state).
// Returns false if the current state no longer permits `to`.
func (sm *stateMachine) transition(from, to connState) bool {
	if sm.v.CompareAndSwap(int32(from), int32(to)) {
		return true
	}
	current := sm.load()
	if current == to {
		return false // already there; caller didn't win the race
	}
	if !isAllowedTransition(current, to) {
		return false
	}
	return sm.v.CompareAndSwap(int32(current), int32(to))
}

// forceTo unconditionally moves to `to` if the transition table permits it
// from the current state, used by Abort which may fire from any state.
func (sm *stateMachine) forceTo(to connState) bool {
	for {
		current := sm.load()
		if current == to {
			return false
		}
		if !isAllowedTransition(current, to) {
			// Abort bypasses Closing; allow None/Connecting/Open -> Closed directly.
			if to != stateClosed {
				return false
			}
		}
		if sm.v.CompareAndSwap(int32(current), int32(to)) {
			return true
		}
	}
}
