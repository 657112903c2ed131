package rtsp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// ConnInfo describes an accepted control connection.
type ConnInfo struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// LocalIP returns the address the sender connected to, which is signed
// into Apple-Challenge responses.
func (c ConnInfo) LocalIP() net.IP {
	if tcp, ok := c.LocalAddr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// RemoteIP returns the sender's address.
func (c ConnInfo) RemoteIP() net.IP {
	if tcp, ok := c.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// ConnHandler serves the requests of one control connection. Requests of
// a connection are handled one at a time, in order.
type ConnHandler interface {
	ServeRTSP(req *Request) *Response
	// Closed is called once after the connection ends; err is nil for a
	// clean close by either side.
	Closed(err error)
}

// HandlerFactory creates the handler of a new connection.
type HandlerFactory func(info ConnInfo) ConnHandler

// Server accepts control connections and dispatches their requests.
type Server struct {
	factory HandlerFactory

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server that uses factory for each connection.
func NewServer(factory HandlerFactory) *Server {
	return &Server{
		factory: factory,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds addr and starts accepting connections. It returns the bound
// port, which differs from the requested one when addr asks for port 0.
func (s *Server) Listen(addr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrServerClosed
	}
	if s.listener != nil {
		return 0, oops.Errorf("rtsp server already listening on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, oops.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(listener)

	port := listener.Addr().(*net.TCPAddr).Port
	logrus.WithFields(logrus.Fields{
		"function": "Server.Listen",
		"address":  listener.Addr().String(),
	}).Info("Control channel listening")
	return port, nil
}

// Addr returns the listening address, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes live connections and waits for their
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Server.Close",
	}).Debug("Control channel closed")
	return err
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

// track registers conn, or reports false when the server is closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	info := ConnInfo{LocalAddr: conn.LocalAddr(), RemoteAddr: conn.RemoteAddr()}
	handler := s.factory(info)
	logger := logrus.WithFields(logrus.Fields{
		"function": "Server.serve",
		"remote":   info.RemoteAddr.String(),
	})
	logger.Debug("Control connection accepted")

	err := s.serveRequests(conn, handler, logger)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Debug("Control connection failed")
	} else {
		err = nil
	}
	handler.Closed(err)
	logger.Debug("Control connection closed")
}

func (s *Server) serveRequests(conn net.Conn, handler ConnHandler, logger *logrus.Entry) error {
	br := bufio.NewReader(conn)
	for {
		req, err := ReadRequest(br)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrBodyTooLarge), errors.Is(err, ErrHeaderTooLarge):
			logger.WithError(err).Warn("Rejected malformed control request")
			status := StatusBadRequest
			switch {
			case errors.Is(err, ErrBodyTooLarge):
				status = StatusRequestEntityTooLarge
			case errors.Is(err, ErrHeaderTooLarge):
				status = StatusHeaderFieldsTooLarge
			}
			proto, cseq := ProtoRTSP, ""
			if req != nil {
				proto, cseq = req.Proto, req.CSeq()
			}
			if werr := NewResponse(status).Write(conn, proto, cseq); werr != nil {
				return werr
			}
			// The body of an oversize request is still on the wire, and a
			// broken header block leaves no reliable resync point.
			if errors.Is(err, ErrBodyTooLarge) || req == nil {
				return err
			}
			continue
		default:
			return err
		}

		resp := handler.ServeRTSP(req)
		if resp == nil {
			resp = NewResponse(StatusInternalServerError)
		}
		if err := resp.Write(conn, req.Proto, req.CSeq()); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL,
			"status": resp.StatusCode,
			"cseq":   req.CSeq(),
		}).Debug("Handled control request")

		if strings.EqualFold(resp.Header.Get("Connection"), "close") {
			return nil
		}
	}
}
