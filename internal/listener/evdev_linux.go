//go:build linux

// ABOUTME: Linux evdev listener reading key events from /dev/input
// ABOUTME: Polls the device so cancellation is noticed promptly
package listener

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

// Evdev reads a Linux input device
type Evdev struct {
	path  string
	keys  map[uint16]int
	host  HostClock
	queue Enqueuer
	log   logr.Logger
}

// NewEvdev creates a listener for path; keys maps key codes to channels
func NewEvdev(path string, keys map[uint16]int, host HostClock, queue Enqueuer, log logr.Logger) (*Evdev, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("evdev %s: no key codes mapped", path)
	}
	return &Evdev{path: path, keys: keys, host: host, queue: queue, log: log}, nil
}

// Name identifies the listener in events and logs
func (e *Evdev) Name() string {
	return "evdev:" + e.path
}

// Run reads events until ctx is done
func (e *Evdev) Run(ctx context.Context) error {
	fd, err := unix.Open(e.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.path, err)
	}
	defer unix.Close(fd)

	e.log.Info("evdev listener started", "path", e.path, "keys", len(e.keys))

	buf := make([]byte, inputEventSize*64)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll %s: %w", e.path, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("%s: device gone", e.path)
		}

		read, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("read %s: %w", e.path, err)
		}

		now := e.host.Now()
		for off := 0; off+inputEventSize <= read; off += inputEventSize {
			ie, _ := decodeInputEvent(buf[off : off+inputEventSize])
			channel, tr, ok := translate(ie, e.keys)
			if !ok {
				continue
			}
			e.queue.Enqueue(event.HostEvent{
				Channel:       channel,
				Transition:    tr,
				HostTimestamp: now,
				Source:        e.Name(),
			})
		}
	}
}
