package session

import (
	"github.com/samber/oops"
)

// State is the lifecycle phase of a session.
type State int

const (
	// StateInit is a session admitted by a pairing or ANNOUNCE request.
	StateInit State = iota
	// StateAnnounced has an accepted audio format.
	StateAnnounced
	// StateSetUp has bound transport endpoints and installed keys.
	StateSetUp
	// StateRecording has a timing reference and delivers frames.
	StateRecording
	// StatePlaying delivers frames after an explicit PLAY.
	StatePlaying
	// StatePaused suppresses frame delivery.
	StatePaused
	// StateTornDown is terminal.
	StateTornDown
)

// String returns the state name as used in logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAnnounced:
		return "ANNOUNCED"
	case StateSetUp:
		return "SET_UP"
	case StateRecording:
		return "RECORDING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Delivering reports whether decoded frames reach the host in this state.
func (s State) Delivering() bool {
	return s == StateRecording || s == StatePlaying
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateTornDown
}

// Command is a control request that acts on the state machine.
type Command int

const (
	CommandAnnounce Command = iota
	CommandSetup
	CommandRecord
	CommandPlay
	CommandPause
	CommandFlush
	CommandTeardown
	// CommandParameter covers volume, metadata and progress updates.
	CommandParameter
	// CommandKeys installs negotiated key material.
	CommandKeys
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandAnnounce:
		return "ANNOUNCE"
	case CommandSetup:
		return "SETUP"
	case CommandRecord:
		return "RECORD"
	case CommandPlay:
		return "PLAY"
	case CommandPause:
		return "PAUSE"
	case CommandFlush:
		return "FLUSH"
	case CommandTeardown:
		return "TEARDOWN"
	case CommandParameter:
		return "SET_PARAMETER"
	case CommandKeys:
		return "KEYS"
	default:
		return "UNKNOWN"
	}
}

// transitions maps each command to the states that accept it and the
// resulting state. A missing entry is a protocol state error.
var transitions = map[Command]map[State]State{
	CommandAnnounce: {
		StateInit: StateAnnounced,
	},
	CommandSetup: {
		StateAnnounced: StateSetUp,
	},
	CommandRecord: {
		StateSetUp: StateRecording,
	},
	CommandPlay: {
		StateRecording: StatePlaying,
		StatePaused:    StatePlaying,
	},
	CommandPause: {
		StatePlaying: StatePaused,
	},
	CommandFlush: {
		StateRecording: StateRecording,
		StatePlaying:   StatePlaying,
		StatePaused:    StatePaused,
	},
	CommandTeardown: {
		StateInit:      StateTornDown,
		StateAnnounced: StateTornDown,
		StateSetUp:     StateTornDown,
		StateRecording: StateTornDown,
		StatePlaying:   StateTornDown,
		StatePaused:    StateTornDown,
		StateTornDown:  StateTornDown,
	},
	CommandParameter: {
		StateInit:      StateInit,
		StateAnnounced: StateAnnounced,
		StateSetUp:     StateSetUp,
		StateRecording: StateRecording,
		StatePlaying:   StatePlaying,
		StatePaused:    StatePaused,
	},
	CommandKeys: {
		StateInit:      StateInit,
		StateAnnounced: StateAnnounced,
	},
}

// NextState returns the state cmd leads to from current, or an error
// wrapping ErrProtocolState.
func NextState(current State, cmd Command) (State, error) {
	if next, ok := transitions[cmd][current]; ok {
		return next, nil
	}
	return current, oops.Wrapf(ErrProtocolState, "%s not allowed in state %s", cmd, current)
}
