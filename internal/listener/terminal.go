// ABOUTME: Terminal listener turning raw key presses into host events
// ABOUTME: Terminals report no releases, so only presses are produced
package listener

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/term"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

const ctrlC = 0x03

// Terminal reads keys from a terminal in raw mode
type Terminal struct {
	in    io.Reader
	keys  map[rune]int
	host  HostClock
	queue Enqueuer
	log   logr.Logger
}

// NewTerminal creates a listener on in; keys maps runes to channels
func NewTerminal(in io.Reader, keys map[rune]int, host HostClock, queue Enqueuer, log logr.Logger) *Terminal {
	return &Terminal{in: in, keys: keys, host: host, queue: queue, log: log}
}

// Name identifies the listener in events and logs
func (t *Terminal) Name() string {
	return "terminal"
}

// Run reads keys until ctx is done, input ends or Ctrl+C is pressed
func (t *Terminal) Run(ctx context.Context) error {
	if f, ok := t.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), oldState)
	}

	t.log.Info("terminal listener started", "keys", len(t.keys))

	errChan := make(chan error, 1)
	go func() { errChan <- t.readLoop() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

func (t *Terminal) readLoop() error {
	buf := make([]byte, 64)
	for {
		n, err := t.in.Read(buf)
		now := t.host.Now()

		for _, b := range buf[:n] {
			if b == ctrlC {
				return ErrInterrupted
			}
			t.Key(rune(b), now)
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read terminal: %w", err)
		}
	}
}

// Key enqueues a press for r if it is mapped; it reports whether it was
func (t *Terminal) Key(r rune, hostTime int64) bool {
	channel, ok := t.keys[r]
	if !ok {
		return false
	}
	t.queue.Enqueue(event.HostEvent{
		Channel:       channel,
		Transition:    event.Press,
		HostTimestamp: hostTime,
		Source:        t.Name(),
	})
	return true
}
