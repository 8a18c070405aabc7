// Package clock abstracts time so rate limits, state expiry and sync
// timestamps can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface to abstract time-related functions.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the actual time.
type Real struct{}

// Now returns the current local time.
func (Real) Now() time.Time {
	return time.Now()
}

// Mock implements Clock for testing purposes.
type Mock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMock returns a Mock frozen at t.
func NewMock(t time.Time) *Mock {
	return &Mock{current: t}
}

// Now returns the mocked current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the current time forward by the specified duration.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}
