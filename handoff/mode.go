package handoff

// Mode is who may append the next turn to a session's transcript.
type Mode string

const (
	// ModeLocal: the interactive CLI process owns the session.
	ModeLocal Mode = "local"
	// ModeHandoffPending: a remote client is attached but has not written.
	ModeHandoffPending Mode = "handoff_pending"
	// ModeRemote: a remote-initiated call owns the session.
	ModeRemote Mode = "remote"
	// ModeSuspended: a remote call failed; waiting for a retry or a local
	// resume.
	ModeSuspended Mode = "suspended"
)

var modeTransitions = map[Mode]map[Mode]bool{
	ModeLocal: {
		ModeHandoffPending: true,
		ModeRemote:         true, // attach and first message can race
		ModeSuspended:      true,
	},
	ModeHandoffPending: {
		ModeLocal:     true,
		ModeRemote:    true,
		ModeSuspended: true,
	},
	ModeRemote: {
		ModeLocal:     true,
		ModeSuspended: true,
	},
	ModeSuspended: {
		ModeLocal:  true,
		ModeRemote: true,
	},
}

// CanTransition reports whether from may move to to. Staying in place is
// always allowed.
func CanTransition(from, to Mode) bool {
	if from == to {
		return true
	}
	return modeTransitions[from][to]
}
