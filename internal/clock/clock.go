// Package clock provides a mockable, zone-aware time source.
//
// Rule evaluation happens in local wall-clock time of the site the cameras
// live in, which is not necessarily the zone of the host running the
// controller. A Clock therefore carries the evaluation location with it.
// For tests, use MockClock.
package clock

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // zone names must resolve on hosts without a zoneinfo tree
)

// DefaultZone is the evaluation zone used when none is configured.
const DefaultZone = "Europe/Rome"

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock provides the system time converted into Location.
type RealClock struct {
	Location *time.Location
}

// New returns a RealClock for the named IANA zone.
func New(zone string) (*RealClock, error) {
	loc, err := LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	return &RealClock{Location: loc}, nil
}

// Now returns the current time in the clock's location.
func (c *RealClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
// The location of t is the evaluation location.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// LoadLocation resolves an IANA zone name. An empty name means DefaultZone.
func LoadLocation(zone string) (*time.Location, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", zone, err)
	}
	return loc, nil
}

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}
