// ABOUTME: Frame pump shared by the WebSocket and serial transports
// ABOUTME: A reader goroutine feeds frames to a channel so reads can time out
package protocol

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrNotConnected is returned when no device link is open
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when the device did not answer in time
	ErrTimeout = errors.New("device response timeout")
	// ErrDevice wraps errors reported by the device itself
	ErrDevice = errors.New("device error")
)

// link carries whole frames in both directions
type link struct {
	write  func(data []byte, deadline time.Time) error
	closer io.Closer

	incoming chan []byte
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	err      error
}

func newLink(read func() ([]byte, error), write func([]byte, time.Time) error, closer io.Closer) *link {
	l := &link{
		write:    write,
		closer:   closer,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go l.pump(read)
	return l
}

func (l *link) pump(read func() ([]byte, error)) {
	defer close(l.done)
	for {
		frame, err := read()
		if err != nil {
			l.err = err
			return
		}
		select {
		case l.incoming <- frame:
		case <-l.stop:
			return
		}
	}
}

// recv waits for the next frame until the deadline
func (l *link) recv(deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case frame := <-l.incoming:
		return frame, nil
	case <-l.done:
		// Frames queued before the reader died are still valid
		select {
		case frame := <-l.incoming:
			return frame, nil
		default:
		}
		if l.err != nil {
			return nil, l.err
		}
		return nil, io.EOF
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// alive reports whether the reader is still running
func (l *link) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *link) close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		err = l.closer.Close()
	})
	return err
}
