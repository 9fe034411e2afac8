// Package clock abstracts wall-clock time so that lease expiry, report
// expiry and batch windows can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"

	"github.com/flashbots/dapagg/protocol"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Mock is a manually advanced clock, safe for concurrent use.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a mock clock set to now.
func NewMock(now time.Time) *Mock { return &Mock{now: now.UTC()} }

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// ProtocolNow returns the clock's time in protocol seconds.
func ProtocolNow(c Clock) protocol.Time {
	return protocol.FromTime(c.Now())
}
