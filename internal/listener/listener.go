// ABOUTME: Host input listeners feeding the correlation queue
// ABOUTME: Shared interfaces plus the input_event decoder used by evdev
package listener

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

// ErrInterrupted is returned when the user asks a listener to quit
var ErrInterrupted = errors.New("interrupted")

// Enqueuer receives host events; correlate.Queue satisfies it
type Enqueuer interface {
	Enqueue(ev event.HostEvent)
}

// HostClock timestamps events; sync.MonotonicClock satisfies it
type HostClock interface {
	Now() int64
}

// Listener produces host events until ctx is done
type Listener interface {
	Name() string
	Run(ctx context.Context) error
}

// Linux input_event on 64-bit platforms: struct timeval, type, code, value
const inputEventSize = 24

const (
	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

func decodeInputEvent(b []byte) (inputEvent, bool) {
	if len(b) < inputEventSize {
		return inputEvent{}, false
	}
	return inputEvent{
		Type:  binary.LittleEndian.Uint16(b[16:18]),
		Code:  binary.LittleEndian.Uint16(b[18:20]),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}, true
}

// translate maps a key event to a host event; ok is false for anything else
func translate(ie inputEvent, keys map[uint16]int) (channel int, tr event.Transition, ok bool) {
	if ie.Type != evKey {
		return 0, 0, false
	}
	channel, watched := keys[ie.Code]
	if !watched {
		return 0, 0, false
	}
	switch ie.Value {
	case keyPress:
		return channel, event.Press, true
	case keyRelease:
		return channel, event.Release, true
	}
	// autorepeat carries no new transition
	return 0, 0, false
}

// KeyChannels maps the i-th rune of keys to channels[i]
func KeyChannels(keys string, channels []int) map[rune]int {
	m := make(map[rune]int)
	i := 0
	for _, r := range keys {
		if i >= len(channels) {
			break
		}
		m[r] = channels[i]
		i++
	}
	return m
}
