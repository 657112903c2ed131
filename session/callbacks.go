package session

import (
	"github.com/opd-ai/raopcore/audio"
)

// EndReason says why a session was torn down.
type EndReason string

const (
	ReasonTeardown         EndReason = "teardown"
	ReasonConnectionClosed EndReason = "connection-closed"
	ReasonProtocolError    EndReason = "protocol-error"
	ReasonIntegrity        EndReason = "integrity"
	ReasonIdleTimeout      EndReason = "idle-timeout"
	ReasonPreempted        EndReason = "preempted"
	ReasonShutdown         EndReason = "shutdown"
)

// Callbacks is the host's set of entry points. Every method runs
// synchronously on a receiver goroutine and must return quickly.
//
// Callbacks must not call Session.Teardown or Session.End: SessionEnded
// and FrameDecoded run while the session's delivery lock is held.
type Callbacks interface {
	// SessionStarted fires once when the session is admitted.
	SessionStarted(s *Session)
	// AudioFormatInitialized fires once, on RECORD, before any frame.
	AudioFormatInitialized(s *Session, format audio.Format)
	// FrameDecoded receives each decoded frame in sequence order. An error
	// is logged and does not affect the stream.
	FrameDecoded(s *Session, frame *audio.Frame) error
	// VolumeChanged receives the volume in dB, -144 meaning mute.
	VolumeChanged(s *Session, volume float64)
	// MetadataChanged receives the full current metadata.
	MetadataChanged(s *Session, meta Metadata)
	// SessionEnded fires exactly once; err is set for failures.
	SessionEnded(s *Session, reason EndReason, err error)
}

// FlushHandler is implemented by hosts that drop queued audio on FLUSH.
type FlushHandler interface {
	AudioFlushed(s *Session)
}

// ProgressHandler is implemented by hosts that display track progress.
type ProgressHandler interface {
	ProgressChanged(s *Session, progress Progress)
}

// RemoteControlHandler is implemented by hosts that drive the sender's
// playback through its DACP remote-control service.
type RemoteControlHandler interface {
	RemoteControlChanged(s *Session, remote RemoteControl)
}

// NopCallbacks implements Callbacks with no-ops. Embed it to implement a
// subset.
type NopCallbacks struct{}

func (NopCallbacks) SessionStarted(*Session) {}
func (NopCallbacks) AudioFormatInitialized(*Session, audio.Format) {}
func (NopCallbacks) FrameDecoded(*Session, *audio.Frame) error { return nil }
func (NopCallbacks) VolumeChanged(*Session, float64) {}
func (NopCallbacks) MetadataChanged(*Session, Metadata) {}
func (NopCallbacks) SessionEnded(*Session, EndReason, error) {}
