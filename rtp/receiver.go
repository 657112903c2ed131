package rtp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/raopcore/metrics"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// maxPacketSize bounds a single datagram; RAOP senders stay below the MTU.
	maxPacketSize = 2048
	// readTimeout is the read deadline of the socket loops, so they notice
	// shutdown without relying on the close error.
	readTimeout = 100 * time.Millisecond
	// interleavedMagic starts every frame of the TCP data stream.
	interleavedMagic = '$'
)

// Mode selects how audio packets arrive.
type Mode int

const (
	// ModeUDP receives audio as datagrams with control and timing sockets.
	ModeUDP Mode = iota
	// ModeTCP receives audio interleaved on a stream connection.
	ModeTCP
)

func (m Mode) String() string {
	if m == ModeTCP {
		return "tcp"
	}
	return "udp"
}

// PacketHandler consumes what a Receiver produces. HandlePacket and
// HandleDropped are called from one worker goroutine in sequence order;
// HandleSync is called from the control socket goroutine.
type PacketHandler interface {
	HandlePacket(p *AudioPacket)
	HandleDropped(n int, reason string)
	HandleSync(s *SyncPacket)
}

// Config parameterizes a Receiver.
type Config struct {
	// BindAddress is the local host to bind; ports are chosen by the system.
	BindAddress string
	Mode        Mode
	// Window is the reorder window in packets.
	Window int
	// Remote is the sender's address. With RemoteControlPort set, missing
	// packets are requested again; with RemoteTimingPort set, the clock
	// offset is measured.
	Remote            net.IP
	RemoteControlPort int
	RemoteTimingPort  int
	// ResendLimit and ResendBurst pace retransmit requests.
	ResendLimit rate.Limit
	ResendBurst int
	// TimingInterval is the period of timing requests.
	TimingInterval time.Duration
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		BindAddress:    "0.0.0.0",
		Mode:           ModeUDP,
		Window:         DefaultReorderWindow,
		ResendLimit:    rate.Limit(50),
		ResendBurst:    10,
		TimingInterval: time.Second,
	}
}

// Ports are the locally bound ports announced in the SETUP response.
type Ports struct {
	Data    int
	Control int
	Timing  int
}

// Receiver binds the audio endpoints of one session and releases packets
// to a PacketHandler in sequence order.
type Receiver struct {
	cfg     Config
	handler PacketHandler
	metrics *metrics.Metrics

	data     net.PacketConn
	listener net.Listener
	control  net.PacketConn
	timing   net.PacketConn

	mu              sync.Mutex
	buffer          *ReorderBuffer
	pendingLost     int
	pendingEvicted  int
	resendPending   bool
	lastResendFirst uint16
	resendSeq       uint16
	controlRemote   net.Addr
	timingRemote    net.Addr
	stream          net.Conn
	started         bool

	clock     *Clock
	limiter   *rate.Limiter
	notify    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// NewReceiver binds the sockets for cfg. Goroutines start with Start.
//
// Parameters:
//   - cfg: Bind address, transport mode, window and sender endpoints
//   - handler: Consumer of ordered packets, drop reports and sync packets
//
// Returns:
//   - *Receiver: Receiver with bound sockets
//   - error: Any bind failure
func NewReceiver(cfg Config, handler PacketHandler) (*Receiver, error) {
	if handler == nil {
		return nil, oops.Errorf("packet handler cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg.BindAddress == "" {
		cfg.BindAddress = defaults.BindAddress
	}
	if cfg.ResendLimit <= 0 {
		cfg.ResendLimit = defaults.ResendLimit
	}
	if cfg.ResendBurst <= 0 {
		cfg.ResendBurst = defaults.ResendBurst
	}
	if cfg.TimingInterval <= 0 {
		cfg.TimingInterval = defaults.TimingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		cfg:     cfg,
		handler: handler,
		metrics: cfg.Metrics,
		buffer:  NewReorderBuffer(cfg.Window, cfg.Mode == ModeTCP || cfg.RemoteControlPort == 0),
		clock:   NewClock(),
		limiter: rate.NewLimiter(cfg.ResendLimit, cfg.ResendBurst),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	if cfg.Remote != nil && cfg.RemoteControlPort > 0 {
		r.controlRemote = &net.UDPAddr{IP: cfg.Remote, Port: cfg.RemoteControlPort}
	}
	if cfg.Remote != nil && cfg.RemoteTimingPort > 0 {
		r.timingRemote = &net.UDPAddr{IP: cfg.Remote, Port: cfg.RemoteTimingPort}
	}

	if err := r.bind(); err != nil {
		_ = r.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewReceiver",
		"mode":     cfg.Mode.String(),
		"window":   r.buffer.Window(),
		"ports":    r.Ports(),
	}).Info("Audio receiver bound")

	return r, nil
}

func (r *Receiver) bind() error {
	addr := net.JoinHostPort(r.cfg.BindAddress, "0")
	var err error

	if r.cfg.Mode == ModeTCP {
		r.listener, err = net.Listen("tcp", addr)
	} else {
		r.data, err = net.ListenPacket("udp", addr)
	}
	if err != nil {
		return oops.Wrapf(err, "failed to bind audio data endpoint")
	}
	if r.control, err = net.ListenPacket("udp", addr); err != nil {
		return oops.Wrapf(err, "failed to bind audio control endpoint")
	}
	if r.timing, err = net.ListenPacket("udp", addr); err != nil {
		return oops.Wrapf(err, "failed to bind timing endpoint")
	}
	return nil
}

// Ports returns the bound local ports.
func (r *Receiver) Ports() Ports {
	var ports Ports
	if r.data != nil {
		ports.Data = portOf(r.data.LocalAddr())
	}
	if r.listener != nil {
		ports.Data = portOf(r.listener.Addr())
	}
	if r.control != nil {
		ports.Control = portOf(r.control.LocalAddr())
	}
	if r.timing != nil {
		ports.Timing = portOf(r.timing.LocalAddr())
	}
	return ports
}

func portOf(addr net.Addr) int {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// Start launches the reader, timing and worker goroutines.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return ErrReceiverClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	if r.cfg.Mode == ModeTCP {
		r.wg.Add(1)
		go r.acceptLoop()
	} else {
		r.wg.Add(1)
		go r.readLoop(r.data, r.handleData)
	}
	r.wg.Add(3)
	go r.readLoop(r.control, r.handleControl)
	go r.readLoop(r.timing, r.handleTiming)
	go r.worker()

	if r.timingRemote != nil {
		r.wg.Add(1)
		go r.timingLoop()
	}
	return nil
}

// Clock returns the sender clock estimator.
func (r *Receiver) Clock() *Clock {
	return r.clock
}

// Stats returns the reorder counters.
func (r *Receiver) Stats() ReorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.Stats()
}

// Flush discards buffered audio. With hasSeq, release restarts at nextSeq;
// otherwise the buffer resynchronizes on the next packet.
func (r *Receiver) Flush(nextSeq uint16, hasSeq bool) int {
	r.mu.Lock()
	var discarded int
	if hasSeq {
		discarded = r.buffer.Flush(nextSeq)
	} else {
		discarded = r.buffer.Reset()
	}
	r.resendPending = false
	r.pendingLost = 0
	r.pendingEvicted = 0
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.Flush",
		"next_seq":  nextSeq,
		"has_seq":   hasSeq,
		"discarded": discarded,
	}).Debug("Flushed reorder buffer")
	return discarded
}

// Close stops all goroutines and closes the sockets. It does not wait for
// the goroutines, so the PacketHandler may call it; use Wait to join them.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		for _, c := range []io.Closer{r.data, r.control, r.timing} {
			if c != nil {
				_ = c.Close()
			}
		}
		if r.listener != nil {
			_ = r.listener.Close()
		}
		r.mu.Lock()
		if r.stream != nil {
			_ = r.stream.Close()
		}
		r.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Receiver.Close",
		}).Debug("Audio receiver closed")
	})
	return nil
}

// Wait blocks until every goroutine started by Start has returned.
func (r *Receiver) Wait() {
	r.wg.Wait()
}

func (r *Receiver) readLoop(conn net.PacketConn, handle func(data []byte, addr net.Addr)) {
	defer r.wg.Done()
	buffer := make([]byte, maxPacketSize)

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.readLoop",
				"local":    conn.LocalAddr().String(),
				"error":    err.Error(),
			}).Warn("Socket read failed")
			continue
		}
		handle(buffer[:n], addr)
	}
}

func (r *Receiver) handleData(data []byte, addr net.Addr) {
	packet, err := ParseAudioPacket(data)
	if err != nil {
		r.metrics.PacketsDroppedBy("malformed", 1)
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleData",
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Dropped malformed audio packet")
		return
	}
	r.metrics.PacketReceived("audio")
	r.accept(packet)
}

func (r *Receiver) handleControl(data []byte, addr net.Addr) {
	switch PayloadTypeOf(data) {
	case PayloadSync:
		syncPacket, err := ParseSync(data)
		if err != nil {
			r.metrics.PacketsDroppedBy("malformed", 1)
			return
		}
		r.metrics.PacketReceived("sync")
		r.learnControlRemote(addr)
		r.handler.HandleSync(syncPacket)
	case PayloadResend:
		packet, err := ParseResend(data)
		if err != nil {
			r.metrics.PacketsDroppedBy("malformed", 1)
			return
		}
		r.metrics.PacketReceived("resend")
		r.accept(packet)
	default:
		r.metrics.PacketsDroppedBy("malformed", 1)
		logrus.WithFields(logrus.Fields{
			"function":     "Receiver.handleControl",
			"payload_type": PayloadTypeOf(data),
		}).Debug("Ignored unknown control packet")
	}
}

func (r *Receiver) learnControlRemote(addr net.Addr) {
	if addr == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controlRemote != nil {
		return
	}
	r.controlRemote = addr
	if r.cfg.Mode == ModeUDP {
		// Retransmits can be requested now, so gaps are worth waiting for.
		r.buffer.SetSkipGaps(false)
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.learnControlRemote",
			"remote":   addr.String(),
		}).Debug("Learned sender control address")
	}
}

func (r *Receiver) handleTiming(data []byte, addr net.Addr) {
	arrival := r.now()
	packet, err := ParseTiming(data)
	if err != nil {
		r.metrics.PacketsDroppedBy("malformed", 1)
		return
	}
	r.metrics.PacketReceived("timing")

	if packet.Request {
		reply := MarshalTiming(&TimingPacket{
			Origin:   packet.Transmit,
			Receive:  NTPFromTime(arrival),
			Transmit: NTPFromTime(r.now()),
		})
		if _, err := r.timing.WriteTo(reply, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.handleTiming",
				"error":    err.Error(),
			}).Debug("Failed to answer timing request")
		}
		return
	}

	if r.clock.AddSample(packet.Origin.Time(), packet.Receive.Time(), packet.Transmit.Time(), arrival) {
		offset, _ := r.clock.Offset()
		r.metrics.SetClockOffset(offset)
	}
}

func (r *Receiver) timingLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.TimingInterval)
	defer ticker.Stop()

	for {
		r.sendTimingRequest()
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Receiver) sendTimingRequest() {
	request := MarshalTiming(&TimingPacket{Request: true, Transmit: NTPFromTime(r.now())})
	if _, err := r.timing.WriteTo(request, r.timingRemote); err != nil && r.ctx.Err() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendTimingRequest",
			"remote":   r.timingRemote.String(),
			"error":    err.Error(),
		}).Debug("Failed to send timing request")
	}
}

// accept pushes a packet into the reorder buffer and wakes the worker.
func (r *Receiver) accept(packet *AudioPacket) {
	packet.ReceivedAt = r.now()

	r.mu.Lock()
	result := r.buffer.Push(packet)
	r.pendingEvicted += result.Evicted
	r.pendingLost += result.Lost
	request, remote := r.resendRequestLocked()
	r.mu.Unlock()

	switch result.Status {
	case PushLate:
		r.metrics.PacketsDroppedBy("late", 1)
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.accept",
			"sequence": packet.Sequence,
		}).Debug("Dropped late audio packet")
	case PushDuplicate:
		r.metrics.PacketsDroppedBy("duplicate", 1)
	}

	if request != nil {
		if _, err := r.control.WriteTo(request, remote); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.accept",
				"error":    err.Error(),
			}).Debug("Failed to send retransmit request")
		} else {
			r.metrics.ResendRequested()
		}
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// resendRequestLocked builds a retransmit request for the gap blocking
// release, once per gap and within the rate limit. Gaps the buffer skips
// are never requested.
func (r *Receiver) resendRequestLocked() ([]byte, net.Addr) {
	if r.cfg.Mode == ModeTCP || r.controlRemote == nil || r.buffer.skipGaps {
		return nil, nil
	}
	first, count, ok := r.buffer.Missing()
	if !ok {
		r.resendPending = false
		return nil, nil
	}
	if r.resendPending && first == r.lastResendFirst {
		return nil, nil
	}
	if !r.limiter.Allow() {
		return nil, nil
	}

	r.resendPending = true
	r.lastResendFirst = first
	r.resendSeq++
	return MarshalResendRequest(r.resendSeq, first, uint16(count)), r.controlRemote
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.notify:
			r.drain()
		}
	}
}

// drain releases every packet that is ready.
func (r *Receiver) drain() {
	for r.ctx.Err() == nil {
		r.mu.Lock()
		packet, lost := r.buffer.Pop()
		lost += r.pendingLost
		evicted := r.pendingEvicted
		r.pendingLost = 0
		r.pendingEvicted = 0
		r.mu.Unlock()

		if evicted > 0 {
			r.metrics.PacketsDroppedBy("evicted", evicted)
			r.handler.HandleDropped(evicted, "evicted")
		}
		if lost > 0 {
			r.metrics.PacketsDroppedBy("lost", lost)
			r.handler.HandleDropped(lost, "lost")
		}
		if packet == nil {
			return
		}
		r.handler.HandlePacket(packet)
	}
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		previous := r.stream
		r.stream = conn
		r.mu.Unlock()
		if previous != nil {
			_ = previous.Close()
		}

		r.streamLoop(conn)
	}
}

// streamLoop reads '$'-framed packets: magic, channel, 16-bit length.
// Channel 0 carries audio and channel 1 carries control packets.
func (r *Receiver) streamLoop(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	header := make([]byte, 4)
	frame := make([]byte, 0xffff)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			r.logStreamEnd(err)
			return
		}
		if header[0] != interleavedMagic {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.streamLoop",
				"byte":     header[0],
			}).Warn("Lost interleaved framing, closing audio stream")
			return
		}
		size := int(binary.BigEndian.Uint16(header[2:4]))
		if _, err := io.ReadFull(reader, frame[:size]); err != nil {
			r.logStreamEnd(err)
			return
		}

		switch header[1] {
		case 0:
			r.handleData(frame[:size], nil)
		case 1:
			r.handleControl(frame[:size], nil)
		default:
			r.metrics.PacketsDroppedBy("malformed", 1)
		}
	}
}

func (r *Receiver) logStreamEnd(err error) {
	if r.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.streamLoop",
		"error":    err.Error(),
	}).Warn("Audio stream read failed")
}

// WriteInterleaved frames one packet for the TCP data stream.
func WriteInterleaved(w io.Writer, channel byte, packet []byte) error {
	if len(packet) > 0xffff {
		return oops.Wrapf(ErrMalformedPacket, "packet of %d bytes exceeds interleaved frame", len(packet))
	}
	frame := make([]byte, 4+len(packet))
	frame[0] = interleavedMagic
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(packet)))
	copy(frame[4:], packet)
	_, err := w.Write(frame)
	return err
}
