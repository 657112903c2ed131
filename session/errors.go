package session

import (
	"errors"

	"github.com/opd-ai/raopcore/pipeline"
)

// Sentinel errors for session operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrProtocolState indicates a command that is invalid in the current state.
	// The session state is left unchanged.
	ErrProtocolState = errors.New("command not allowed in current session state")

	// ErrSessionActive indicates admission was refused because another
	// session is active and the policy is to reject.
	ErrSessionActive = errors.New("another session is active")

	// ErrSessionIntegrity indicates repeated per-packet failures ended the session.
	ErrSessionIntegrity = pipeline.ErrSessionIntegrity

	// ErrIdleTimeout indicates a session ended for lack of activity.
	ErrIdleTimeout = errors.New("session idle timeout")

	// ErrManagerClosed indicates the manager was shut down.
	ErrManagerClosed = errors.New("session manager closed")

	// ErrNoFormat indicates SETUP without an announced format.
	ErrNoFormat = errors.New("no audio format announced")
)
