// ABOUTME: Round-trip clock samples and host tick sources
// ABOUTME: Defines the transport boundary used by the synchronizer
package sync

import (
	"context"
	"errors"
	"time"
)

// ErrNoSample is returned by transports that could not produce a reading
var ErrNoSample = errors.New("no clock sample")

// ClockSample is one round trip: host ticks bracketing the request and
// device units bracketing the device-side processing.
type ClockSample struct {
	HostSend int64
	HostRecv int64
	DeviceLo int64
	DeviceHi int64
}

// HostWindow returns the round trip in host ticks
func (s ClockSample) HostWindow() int64 {
	return s.HostRecv - s.HostSend
}

// DeviceWindow returns the device processing window in device units
func (s ClockSample) DeviceWindow() int64 {
	return s.DeviceHi - s.DeviceLo
}

// Sane reports whether the device window fits inside the host round trip.
// Samples failing this are corrupt and must never be averaged.
func (s ClockSample) Sane(ticksToUnit float64) bool {
	if s.HostWindow() < 0 || s.DeviceWindow() < 0 {
		return false
	}
	return float64(s.HostWindow())*ticksToUnit >= float64(s.DeviceWindow())
}

// Transport reads the device clock once
type Transport interface {
	ReadClock(ctx context.Context) (ClockSample, error)
}

// HostClock returns host ticks
type HostClock interface {
	Now() int64
}

// MonotonicClock counts nanoseconds of the monotonic clock since creation
type MonotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock creates a tick source starting at zero
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{epoch: time.Now()}
}

// Now returns nanoseconds since the clock was created
func (c *MonotonicClock) Now() int64 {
	return int64(time.Since(c.epoch))
}

// Duration converts a tick delta into a time.Duration
func (c *MonotonicClock) Duration(ticks int64) time.Duration {
	return time.Duration(ticks)
}
