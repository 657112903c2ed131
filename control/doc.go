// Package control serves the RAOP control channel: it maps each RTSP
// request of a sender connection onto the session state machine.
//
// A Handler is created once per receiver and plugged into an rtsp.Server
// as its HandlerFactory. Every accepted connection gets its own Conn, which
// tracks the digest nonce, a pending pair-verify exchange and the session
// the connection has opened.
//
//	h, err := control.NewHandler(control.Config{
//	    Manager:      manager,
//	    HardwareAddr: hwaddr,
//	})
//	if err != nil {
//	    return err
//	}
//	srv := rtsp.NewServer(h.NewConn)
//	port, err := srv.Listen(":5000")
//
// Request errors never close the connection. They are mapped to a status
// code by StatusFor:
//
//	session.ErrSessionActive        453 Not Enough Bandwidth
//	session.ErrProtocolState        455 Method Not Valid in This State
//	crypto.ErrHandshake             470 Connection Authorization Required
//	audio.ErrUnsupportedFormat      415 Unsupported Media Type
//	ErrUnsupportedTransport         461 Unsupported Transport
//	ErrBadRequest                   400 Bad Request
//
// Closing the connection without TEARDOWN ends its session with
// session.ReasonConnectionClosed.
package control
