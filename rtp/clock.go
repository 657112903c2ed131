package rtp

import (
	"sync"
	"time"
)

// clockSamples is the number of timing exchanges the estimator keeps.
const clockSamples = 8

type clockSample struct {
	offset time.Duration
	delay  time.Duration
}

// Clock estimates the offset between the sender's clock and the local clock
// from timing exchanges, keeping the sample with the smallest round-trip
// delay out of the most recent ones.
type Clock struct {
	mu      sync.RWMutex
	samples [clockSamples]clockSample
	count   int
	next    int
	offset  time.Duration
	delay   time.Duration
}

// NewClock creates an estimator with no samples.
func NewClock() *Clock {
	return &Clock{}
}

// AddSample records one exchange: origin is when the request left, receive
// and transmit are the sender's timestamps, arrival is when the response
// came back. Exchanges with a negative delay are discarded.
func (c *Clock) AddSample(origin, receive, transmit, arrival time.Time) bool {
	delay := arrival.Sub(origin) - transmit.Sub(receive)
	if delay < 0 {
		return false
	}
	offset := (receive.Sub(origin) + transmit.Sub(arrival)) / 2

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = clockSample{offset: offset, delay: delay}
	c.next = (c.next + 1) % clockSamples
	if c.count < clockSamples {
		c.count++
	}

	best := c.samples[0]
	for _, s := range c.samples[1:c.count] {
		if s.delay < best.delay {
			best = s
		}
	}
	c.offset = best.offset
	c.delay = best.delay
	return true
}

// Offset returns the sender clock minus the local clock. ok is false until
// the first sample arrives.
func (c *Clock) Offset() (offset time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.count > 0
}

// Delay returns the round-trip delay of the selected sample.
func (c *Clock) Delay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delay
}

// ToLocal converts a sender timestamp to local time. Without samples the
// clocks are assumed to agree.
func (c *Clock) ToLocal(remote time.Time) time.Time {
	offset, _ := c.Offset()
	return remote.Add(-offset)
}

// Reset drops all samples.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = [clockSamples]clockSample{}
	c.count = 0
	c.next = 0
	c.offset = 0
	c.delay = 0
}
