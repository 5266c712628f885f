package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.HostEvent
}

func (r *recorder) Enqueue(ev event.HostEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type counterClock struct{ n int64 }

func (c *counterClock) Now() int64 {
	c.n += 10
	return c.n
}

func rawEvent(typ, code uint16, value int32) []byte {
	b := make([]byte, inputEventSize)
	binary.LittleEndian.PutUint64(b[0:8], 1700000000)
	binary.LittleEndian.PutUint64(b[8:16], 250000)
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint16(b[18:20], code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(value))
	return b
}

func TestTranslateKeyEvents(t *testing.T) {
	keys := map[uint16]int{30: 2}

	tests := []struct {
		name    string
		raw     []byte
		ok      bool
		channel int
		tr      event.Transition
	}{
		{"press", rawEvent(evKey, 30, keyPress), true, 2, event.Press},
		{"release", rawEvent(evKey, 30, keyRelease), true, 2, event.Release},
		{"autorepeat", rawEvent(evKey, 30, keyRepeat), false, 0, 0},
		{"unmapped key", rawEvent(evKey, 31, keyPress), false, 0, 0},
		{"sync event", rawEvent(0x00, 0, 0), false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ie, ok := decodeInputEvent(tt.raw)
			if !ok {
				t.Fatal("decode failed")
			}
			channel, tr, ok := translate(ie, keys)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && (channel != tt.channel || tr != tt.tr) {
				t.Errorf("expected %d/%s, got %d/%s", tt.channel, tt.tr, channel, tr)
			}
		})
	}

	if _, ok := decodeInputEvent(make([]byte, 10)); ok {
		t.Error("short buffer should not decode")
	}
}

func TestKeyChannels(t *testing.T) {
	m := KeyChannels("asdf", []int{4, 7})
	if len(m) != 2 || m['a'] != 4 || m['s'] != 7 {
		t.Errorf("unexpected map %v", m)
	}
}

func TestTerminalListener(t *testing.T) {
	rec := &recorder{}
	in := strings.NewReader("a?b")
	l := NewTerminal(in, map[rune]int{'a': 0, 'b': 1}, &counterClock{}, rec, logr.Discard())

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[0].Channel != 0 || rec.events[1].Channel != 1 {
		t.Errorf("unexpected channels %+v", rec.events)
	}
	for _, ev := range rec.events {
		if ev.Transition != event.Press || ev.Source != "terminal" || ev.HostTimestamp == 0 {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestTerminalCtrlC(t *testing.T) {
	rec := &recorder{}
	in := strings.NewReader("a\x03b")
	l := NewTerminal(in, map[rune]int{'a': 0, 'b': 1}, &counterClock{}, rec, logr.Discard())

	if err := l.Run(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
	if len(rec.events) != 1 {
		t.Errorf("keys after Ctrl+C should be ignored, got %d events", len(rec.events))
	}
}
