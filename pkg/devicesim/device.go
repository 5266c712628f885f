// ABOUTME: Simulated device clock and hardware event log
// ABOUTME: Logs transitions in device units and fires delayed host reports
package devicesim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

// Config describes the simulated hardware
type Config struct {
	Name     string
	Channels []int

	// Offset is the device time at host tick zero, in device units
	Offset int64
	// Skew is the device rate error relative to the host (50e-6 = 50 ppm fast)
	Skew float64
	// Jitter bounds the processing time of a clock request
	Jitter time.Duration

	// Bounce adds this many release/press pairs after each press,
	// BounceSpacing device units apart
	Bounce        int
	BounceSpacing int64

	// HostLatency delays the host hook after a transition
	HostLatency time.Duration
	// EmbedTimestamp copies the device time into host reports
	EmbedTimestamp bool

	Seed int64
}

// Device is an in-memory latency probe
type Device struct {
	mu     sync.Mutex
	cfg    Config
	id     string
	host   clocksync.HostClock
	logs   map[int][]event.DeviceRecord
	rng    *rand.Rand
	hook   func(event.HostEvent)
	closed bool
}

// New creates a device driven by its own monotonic tick source
func New(cfg Config) *Device {
	return NewWithHost(cfg, clocksync.NewMonotonicClock())
}

// NewWithHost creates a device whose clock derives from host
func NewWithHost(cfg Config, host clocksync.HostClock) *Device {
	if cfg.Name == "" {
		cfg.Name = "Simulated Probe"
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []int{0}
	}
	if cfg.BounceSpacing <= 0 {
		cfg.BounceSpacing = 40
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	d := &Device{
		cfg:  cfg,
		id:   uuid.New().String(),
		host: host,
		logs: make(map[int][]event.DeviceRecord),
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, ch := range cfg.Channels {
		d.logs[ch] = nil
	}
	return d
}

// Now returns the device clock in microseconds
func (d *Device) Now() int64 {
	elapsed := float64(d.host.Now()) / 1000 * (1 + d.cfg.Skew)
	return d.cfg.Offset + int64(math.Round(elapsed))
}

// ReadTime samples the clock around a simulated processing delay
func (d *Device) ReadTime() (lo, hi int64) {
	lo = d.Now()
	if d.cfg.Jitter > 0 {
		d.mu.Lock()
		pause := time.Duration(d.rng.Int63n(int64(d.cfg.Jitter)))
		d.mu.Unlock()
		time.Sleep(pause)
	}
	hi = d.Now()
	return lo, hi
}

// ReadClock lets tests use the device as an in-process sync.Transport
func (d *Device) ReadClock(ctx context.Context) (clocksync.ClockSample, error) {
	if err := ctx.Err(); err != nil {
		return clocksync.ClockSample{}, err
	}
	send := d.host.Now()
	lo, hi := d.ReadTime()
	return clocksync.ClockSample{HostSend: send, HostRecv: d.host.Now(), DeviceLo: lo, DeviceHi: hi}, nil
}

// SetHostHook installs the callback that plays the host input stack
func (d *Device) SetHostHook(fn func(event.HostEvent)) {
	d.mu.Lock()
	d.hook = fn
	d.mu.Unlock()
}

// Press logs a press, plus bounce, and returns its device time
func (d *Device) Press(channel int) (int64, error) {
	return d.transition(channel, event.Press)
}

// Release logs a release and returns its device time
func (d *Device) Release(channel int) (int64, error) {
	return d.transition(channel, event.Release)
}

func (d *Device) transition(channel int, tr event.Transition) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.logs[channel]; !ok {
		return 0, fmt.Errorf("unknown channel %d", channel)
	}

	ts := d.Now()
	d.logs[channel] = append(d.logs[channel], event.DeviceRecord{Channel: channel, Transition: tr, DeviceTimestamp: ts})

	if tr == event.Press {
		at := ts
		for i := 0; i < d.cfg.Bounce; i++ {
			at += d.cfg.BounceSpacing
			d.logs[channel] = append(d.logs[channel],
				event.DeviceRecord{Channel: channel, Transition: event.Release, DeviceTimestamp: at},
				event.DeviceRecord{Channel: channel, Transition: event.Press, DeviceTimestamp: at + d.cfg.BounceSpacing/2})
		}
	}

	// A release can land inside an earlier press's bounce
	log := d.logs[channel]
	sort.SliceStable(log, func(i, j int) bool { return log[i].DeviceTimestamp < log[j].DeviceTimestamp })

	if d.hook != nil {
		hook := d.hook
		ev := event.HostEvent{Channel: channel, Transition: tr, Source: "devicesim"}
		if d.cfg.EmbedTimestamp {
			ev.DeviceTimestamp = ts
		}
		time.AfterFunc(d.cfg.HostLatency, func() {
			ev.HostTimestamp = d.host.Now()
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				hook(ev)
			}
		})
	}

	return ts, nil
}

// QueryLog returns and removes the channel's records up to now
func (d *Device) QueryLog(ctx context.Context, channel int) ([]event.DeviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs, ok := d.logs[channel]
	if !ok {
		return nil, fmt.Errorf("unknown channel %d", channel)
	}

	// Bounce records lie slightly in the future until the clock reaches them
	now := d.Now()
	n := sort.Search(len(recs), func(i int) bool { return recs[i].DeviceTimestamp > now })
	out := make([]event.DeviceRecord, n)
	copy(out, recs[:n])
	d.logs[channel] = recs[n:]
	return out, nil
}

// ClearLog drops a channel's records, or every channel's
func (d *Device) ClearLog(ctx context.Context, channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if channel == event.AllChannels {
		for ch := range d.logs {
			d.logs[ch] = nil
		}
		return nil
	}
	if _, ok := d.logs[channel]; !ok {
		return fmt.Errorf("unknown channel %d", channel)
	}
	d.logs[channel] = nil
	return nil
}

// Pending returns the number of unread records on a channel
func (d *Device) Pending(channel int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs[channel])
}

// Hello describes the device for the protocol handshake
func (d *Device) Hello() protocol.DeviceHello {
	return protocol.DeviceHello{
		DeviceID:   d.id,
		Name:       d.cfg.Name,
		Version:    protocol.ProtocolVersion,
		Channels:   append([]int(nil), d.cfg.Channels...),
		TickUnitNs: int64(time.Microsecond),
	}
}

// Channels returns the simulated channels
func (d *Device) Channels() []int {
	return d.cfg.Channels
}

// Close suppresses pending host reports
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.hook = nil
}
