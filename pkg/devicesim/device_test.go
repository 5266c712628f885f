// ABOUTME: Tests for the simulated device clock and event log
// ABOUTME: Uses a manual host clock to pin device time
package devicesim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

type manualHost struct {
	mu  sync.Mutex
	now int64
}

func (h *manualHost) Now() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *manualHost) set(ns int64) {
	h.mu.Lock()
	h.now = ns
	h.mu.Unlock()
}

func TestDeviceClockModel(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		skew   float64
		host   int64
		want   int64
	}{
		{"aligned", 0, 0, 1_000_000, 1000},
		{"offset", 500, 0, 1_000_000, 1500},
		{"fast clock", 500, 1e-3, 1_000_000, 1501},
		{"slow clock", 0, -1e-3, 10_000_000, 9990},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &manualHost{now: tt.host}
			dev := NewWithHost(Config{Offset: tt.offset, Skew: tt.skew}, host)
			if got := dev.Now(); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBounceRecordsAppearAsTimePasses(t *testing.T) {
	host := &manualHost{now: 1_000_000}
	dev := NewWithHost(Config{Channels: []int{0}, Bounce: 2, BounceSpacing: 40}, host)

	ts, err := dev.Press(0)
	if err != nil {
		t.Fatalf("press: %v", err)
	}
	if ts != 1000 {
		t.Fatalf("expected press at 1000, got %d", ts)
	}

	recs, _ := dev.QueryLog(context.Background(), 0)
	if len(recs) != 1 || recs[0].Transition != event.Press {
		t.Fatalf("expected only the initial press, got %+v", recs)
	}

	host.set(2_000_000)
	recs, _ = dev.QueryLog(context.Background(), 0)
	want := []struct {
		tr event.Transition
		ts int64
	}{
		{event.Release, 1040},
		{event.Press, 1060},
		{event.Release, 1080},
		{event.Press, 1100},
	}
	if len(recs) != len(want) {
		t.Fatalf("expected %d bounce records, got %+v", len(want), recs)
	}
	for i, w := range want {
		if recs[i].Transition != w.tr || recs[i].DeviceTimestamp != w.ts {
			t.Errorf("record %d: expected %s@%d, got %s@%d", i, w.tr, w.ts, recs[i].Transition, recs[i].DeviceTimestamp)
		}
	}

	if recs, _ := dev.QueryLog(context.Background(), 0); len(recs) != 0 {
		t.Errorf("log should be drained, got %d records", len(recs))
	}
}

func TestClearLog(t *testing.T) {
	host := &manualHost{now: 5_000_000}
	dev := NewWithHost(Config{Channels: []int{0, 1}}, host)

	dev.Press(0)
	dev.Press(1)
	if err := dev.ClearLog(context.Background(), 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if dev.Pending(0) != 0 || dev.Pending(1) != 1 {
		t.Errorf("expected only channel 0 cleared, pending %d/%d", dev.Pending(0), dev.Pending(1))
	}

	if err := dev.ClearLog(context.Background(), event.AllChannels); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if dev.Pending(1) != 0 {
		t.Error("expected all channels cleared")
	}
}

func TestUnknownChannel(t *testing.T) {
	dev := NewWithHost(Config{Channels: []int{0}}, &manualHost{})

	if _, err := dev.Press(4); err == nil {
		t.Error("expected error pressing unknown channel")
	}
	if _, err := dev.QueryLog(context.Background(), 4); err == nil {
		t.Error("expected error querying unknown channel")
	}
	if err := dev.ClearLog(context.Background(), 4); err == nil {
		t.Error("expected error clearing unknown channel")
	}
}

func TestHostHookFiresAfterLatency(t *testing.T) {
	host := &manualHost{now: 3_000_000}
	dev := NewWithHost(Config{
		Channels:       []int{2},
		HostLatency:    10 * time.Millisecond,
		EmbedTimestamp: true,
	}, host)
	defer dev.Close()

	got := make(chan event.HostEvent, 1)
	dev.SetHostHook(func(ev event.HostEvent) { got <- ev })

	if _, err := dev.Release(2); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Channel != 2 || ev.Transition != event.Release {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.DeviceTimestamp != 3000 {
			t.Errorf("expected embedded timestamp 3000, got %d", ev.DeviceTimestamp)
		}
		if ev.HostTimestamp != 3_000_000 {
			t.Errorf("expected host timestamp from the host clock, got %d", ev.HostTimestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("host hook never fired")
	}
}

func TestReadClockIsSane(t *testing.T) {
	dev := New(Config{Jitter: 200 * time.Microsecond, Seed: 7})

	for i := 0; i < 20; i++ {
		sample, err := dev.ReadClock(context.Background())
		if err != nil {
			t.Fatalf("read clock: %v", err)
		}
		if !sample.Sane(0.001) {
			t.Fatalf("sample %d not sane: %+v", i, sample)
		}
	}
}
