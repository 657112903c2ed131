// Package session implements the session manager and the per-session state
// machine of a RAOP receiver.
//
// A Manager admits at most one active Session. Each Session moves through
//
//	INIT -> ANNOUNCED -> SET_UP -> RECORDING -> PLAYING <-> PAUSED
//
// and ends in TORN_DOWN on TEARDOWN, connection loss, idle timeout,
// preemption or repeated per-packet failures. The control channel drives
// the transitions; the audio transport feeds packets through the session's
// decode pipeline, and decoded frames reach the host through Callbacks.
//
// Example:
//
//	m := session.NewManager(host, session.DefaultConfig())
//	defer m.Close()
//
//	s, err := m.Open(peer)
//	if err != nil {
//	    return err
//	}
//	_ = s.Announce(format, keys)
//	ports, _ := s.Setup(session.TransportParams{Mode: rtp.ModeUDP})
//	_ = s.Record(session.RecordInfo{})
//
// SessionEnded fires exactly once per session, and no FrameDecoded call
// for that session follows it.
package session
