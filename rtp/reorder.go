package rtp

// DefaultReorderWindow is the number of packets held to restore order.
const DefaultReorderWindow = 32

// MaxReorderWindow bounds the window so buffering stays well below the
// sequence number half-range.
const MaxReorderWindow = 1024

// PushStatus is the disposition of a pushed packet.
type PushStatus int

const (
	// PushAccepted means the packet is buffered for release.
	PushAccepted PushStatus = iota
	// PushLate means the packet's sequence was already released or skipped.
	PushLate
	// PushDuplicate means a packet with the same sequence is already held.
	PushDuplicate
)

func (s PushStatus) String() string {
	switch s {
	case PushAccepted:
		return "accepted"
	case PushLate:
		return "late"
	case PushDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// PushResult reports what a Push did. Evicted counts held packets pushed out
// of the window by a packet too far ahead; Lost counts empty slots skipped
// the same way.
type PushResult struct {
	Status  PushStatus
	Evicted int
	Lost    int
}

// ReorderStats are cumulative counters of a ReorderBuffer.
type ReorderStats struct {
	Accepted  uint64
	Released  uint64
	Late      uint64
	Duplicate uint64
	Evicted   uint64
	Lost      uint64
}

// ReorderBuffer restores sequence order within a bounded window. It is not
// safe for concurrent use; the Receiver serializes access.
//
// Packets are held in a ring indexed by sequence modulo the window. The
// buffer releases packets in sequence order starting at next, and waits for
// a missing packet until the window fills up, unless skipGaps is set.
type ReorderBuffer struct {
	slots    []*AudioPacket
	mask     uint16
	window   int
	next     uint16
	highest  uint16
	started  bool
	held     int
	skipGaps bool
	stats    ReorderStats
}

// NewReorderBuffer creates a buffer holding up to window packets. The window
// is rounded up to a power of two; zero or negative selects the default.
// With skipGaps set a missing packet is skipped as soon as a later one is
// available, which suits transports without retransmission.
func NewReorderBuffer(window int, skipGaps bool) *ReorderBuffer {
	window = normalizeWindow(window)
	return &ReorderBuffer{
		slots:    make([]*AudioPacket, window),
		mask:     uint16(window - 1),
		window:   window,
		skipGaps: skipGaps,
	}
}

func normalizeWindow(window int) int {
	if window <= 0 {
		return DefaultReorderWindow
	}
	if window > MaxReorderWindow {
		return MaxReorderWindow
	}
	size := 1
	for size < window {
		size <<= 1
	}
	return size
}

// seqDiff returns a-b in sequence space, handling wraparound.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}

// SetSkipGaps switches between skipping gaps at once and waiting for them
// until the window fills.
func (b *ReorderBuffer) SetSkipGaps(skip bool) {
	b.skipGaps = skip
}

// Window returns the effective window size.
func (b *ReorderBuffer) Window() int {
	return b.window
}

// Len returns the number of packets held.
func (b *ReorderBuffer) Len() int {
	return b.held
}

// Stats returns the cumulative counters.
func (b *ReorderBuffer) Stats() ReorderStats {
	return b.stats
}

// Push offers a packet to the buffer.
func (b *ReorderBuffer) Push(p *AudioPacket) PushResult {
	if !b.started {
		b.started = true
		b.next = p.Sequence
		b.highest = p.Sequence - 1
	}

	ahead := seqDiff(p.Sequence, b.next)
	if ahead < 0 {
		b.stats.Late++
		return PushResult{Status: PushLate}
	}

	var result PushResult
	if ahead >= b.window {
		result.Evicted, result.Lost = b.advance(p.Sequence - uint16(b.window) + 1)
	}

	idx := p.Sequence & b.mask
	if existing := b.slots[idx]; existing != nil && existing.Sequence == p.Sequence {
		b.stats.Duplicate++
		result.Status = PushDuplicate
		return result
	}

	b.slots[idx] = p
	b.held++
	b.stats.Accepted++
	if seqDiff(p.Sequence, b.highest) > 0 {
		b.highest = p.Sequence
	}
	result.Status = PushAccepted
	return result
}

// advance moves next forward to newNext, discarding everything before it.
func (b *ReorderBuffer) advance(newNext uint16) (evicted, lost int) {
	distance := seqDiff(newNext, b.next)
	if distance <= 0 {
		return 0, 0
	}

	steps := distance
	if steps > b.window {
		steps = b.window
	}
	for i := 0; i < steps; i++ {
		idx := (b.next + uint16(i)) & b.mask
		if b.slots[idx] != nil {
			b.slots[idx] = nil
			b.held--
			evicted++
		}
	}
	lost = distance - evicted
	if seqDiff(b.highest, newNext-1) < 0 {
		b.highest = newNext - 1
	}
	b.next = newNext

	b.stats.Evicted += uint64(evicted)
	b.stats.Lost += uint64(lost)
	return evicted, lost
}

// Pop releases the next packet in order, or nil when the next packet must
// still be waited for. lost reports the gaps skipped before the returned
// packet.
func (b *ReorderBuffer) Pop() (p *AudioPacket, lost int) {
	if !b.started {
		return nil, 0
	}

	for b.held > 0 {
		idx := b.next & b.mask
		if held := b.slots[idx]; held != nil {
			b.slots[idx] = nil
			b.held--
			b.next++
			b.stats.Released++
			return held, lost
		}

		span := seqDiff(b.highest, b.next) + 1
		if !b.skipGaps && span < b.window {
			return nil, lost
		}
		b.next++
		b.stats.Lost++
		lost++
	}
	return nil, lost
}

// Missing returns the sequence range blocking release: the run of absent
// packets starting at next. ok is false when nothing is missing.
func (b *ReorderBuffer) Missing() (first uint16, count int, ok bool) {
	if !b.started || b.held == 0 || b.slots[b.next&b.mask] != nil {
		return 0, 0, false
	}

	span := seqDiff(b.highest, b.next) + 1
	for count < span && b.slots[(b.next+uint16(count))&b.mask] == nil {
		count++
	}
	if count == 0 {
		return 0, 0, false
	}
	return b.next, count, true
}

// Flush discards every held packet and restarts release at nextSeq. It
// returns the number of discarded packets.
func (b *ReorderBuffer) Flush(nextSeq uint16) int {
	discarded := b.clear()
	b.started = true
	b.next = nextSeq
	b.highest = nextSeq - 1
	return discarded
}

// Reset discards every held packet and resynchronizes on the next push.
func (b *ReorderBuffer) Reset() int {
	discarded := b.clear()
	b.started = false
	return discarded
}

func (b *ReorderBuffer) clear() int {
	discarded := b.held
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.held = 0
	return discarded
}
