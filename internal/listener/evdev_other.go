//go:build !linux

// ABOUTME: Evdev placeholder for platforms without /dev/input
// ABOUTME: Construction always fails so callers fall back to other listeners
package listener

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
)

// ErrUnsupported is returned on platforms without evdev
var ErrUnsupported = errors.New("evdev is only available on linux")

// Evdev is unavailable on this platform
type Evdev struct{}

// NewEvdev always fails on this platform
func NewEvdev(path string, keys map[uint16]int, host HostClock, queue Enqueuer, log logr.Logger) (*Evdev, error) {
	return nil, ErrUnsupported
}

// Name identifies the listener
func (e *Evdev) Name() string { return "evdev" }

// Run always fails on this platform
func (e *Evdev) Run(ctx context.Context) error { return ErrUnsupported }
