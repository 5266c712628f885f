// ABOUTME: Matches queued host events against buffered device log records
// ABOUTME: Applies debounce, most-recent-candidate selection and record replay
package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

const (
	// DefaultRetryDelay is the single pause before re-querying an empty log
	DefaultRetryDelay = 5 * time.Millisecond
)

// Projector converts host ticks to device time and can recalibrate
type Projector interface {
	ProjectDeviceTime(hostTime int64) int64
	Sync(ctx context.Context, averagingRounds, filterRounds int) bool
}

// DeviceEventSource is the device hardware event log
type DeviceEventSource interface {
	// QueryLog returns records logged since the previous query, oldest first.
	QueryLog(ctx context.Context, channel int) ([]event.DeviceRecord, error)
	// ClearLog drops a channel's log, or every log for event.AllChannels.
	ClearLog(ctx context.Context, channel int) error
}

// Reason explains an unmatched outcome
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoRecord
	ReasonUnwatched
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoRecord:
		return "no matching device record"
	case ReasonUnwatched:
		return "channel not watched"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Outcome is the result of correlating one host event
type Outcome struct {
	Event   event.HostEvent
	Matched bool
	Reason  Reason

	ProjectedTime   int64 // host timestamp projected onto the device clock
	DeviceTimestamp int64 // matched record time
	Latency         int64 // device units
	LatencyDuration time.Duration

	// Set when the host report carried its own device timestamp
	HasEmbedded     bool
	EmbeddedLatency int64

	// Host time since the previous event of the same transition on this channel
	Interval time.Duration
}

// Config configures a Correlator
type Config struct {
	Channels   []int
	RetryDelay time.Duration

	// ContinuousSync re-runs clock Sync on every ProcessOnce
	ContinuousSync bool
	SyncRounds     int
	FilterRounds   int

	// Duration of one host tick and one device unit
	HostTick   time.Duration
	DeviceUnit time.Duration

	Logger logr.Logger
}

// Stats counts processed events
type Stats struct {
	Processed int64
	Matched   int64
	Unmatched int64
	Records   int64
}

type channelState struct {
	buf   RecordBuffer
	state ButtonState

	lastDisplayedOn  int64
	lastDisplayedOff int64
	hasDisplayedOn   bool
	hasDisplayedOff  bool
}

// Correlator owns the per-channel buffers and debounce state. ProcessOnce
// must only be called from one goroutine.
type Correlator struct {
	clock    Projector
	source   DeviceEventSource
	queue    *Queue
	cfg      Config
	log      logr.Logger
	channels map[int]*channelState
	nextSeq  uint64
	stopped  *atomic.Bool
	sleep    func(ctx context.Context, d time.Duration)

	processed *atomic.Int64
	matched   *atomic.Int64
	unmatched *atomic.Int64
	records   *atomic.Int64
}

// New creates a correlator for the configured channels
func New(clock Projector, source DeviceEventSource, queue *Queue, cfg Config) *Correlator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SyncRounds <= 0 {
		cfg.SyncRounds = 1
	}
	if cfg.FilterRounds <= 0 {
		cfg.FilterRounds = 1
	}
	if cfg.HostTick <= 0 {
		cfg.HostTick = time.Nanosecond
	}
	if cfg.DeviceUnit <= 0 {
		cfg.DeviceUnit = time.Microsecond
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	c := &Correlator{
		clock:     clock,
		source:    source,
		queue:     queue,
		cfg:       cfg,
		log:       cfg.Logger,
		channels:  make(map[int]*channelState),
		stopped:   atomic.NewBool(false),
		sleep:     sleepCtx,
		processed: atomic.NewInt64(0),
		matched:   atomic.NewInt64(0),
		unmatched: atomic.NewInt64(0),
		records:   atomic.NewInt64(0),
	}
	for _, id := range cfg.Channels {
		c.channels[id] = &channelState{}
	}
	return c
}

// ProcessOnce refreshes the device log, optionally recalibrates the clock,
// and correlates every event currently queued.
func (c *Correlator) ProcessOnce(ctx context.Context) []Outcome {
	for _, id := range c.cfg.Channels {
		c.refresh(ctx, id)
	}

	if c.cfg.ContinuousSync {
		c.clock.Sync(ctx, c.cfg.SyncRounds, c.cfg.FilterRounds)
	}

	var outcomes []Outcome
	for !c.stopped.Load() && ctx.Err() == nil {
		ev, ok := c.queue.Drain()
		if !ok {
			break
		}

		out := c.match(ctx, ev)
		c.bookkeep(&out)
		outcomes = append(outcomes, out)
	}

	return outcomes
}

// refresh appends newly logged records for one channel
func (c *Correlator) refresh(ctx context.Context, id int) {
	ch, ok := c.channels[id]
	if !ok {
		return
	}

	recs, err := c.source.QueryLog(ctx, id)
	if err != nil {
		c.log.V(1).Info("device log query failed", "channel", id, "error", err.Error())
		return
	}

	for _, rec := range recs {
		c.nextSeq++
		rec.Channel = id
		rec.Seq = c.nextSeq
		ch.buf.PushBack(rec)
	}
	c.records.Add(int64(len(recs)))
}

// match scans one channel's buffer for the record that caused ev
func (c *Correlator) match(ctx context.Context, ev event.HostEvent) Outcome {
	out := Outcome{Event: ev, Reason: ReasonUnwatched}

	ch, ok := c.channels[ev.Channel]
	if !ok {
		return out
	}

	projected := c.clock.ProjectDeviceTime(ev.HostTimestamp)
	out.ProjectedTime = projected
	out.Reason = ReasonNoRecord
	if ev.DeviceTimestamp != 0 {
		out.HasEmbedded = true
		out.EmbeddedLatency = projected - ev.DeviceTimestamp
	}

	var (
		candidate event.DeviceRecord
		found     bool
		held      []event.DeviceRecord
		retried   bool
	)

	for {
		rec, ok := ch.buf.PopFront()
		if !ok {
			// The device log may land just after the host report
			if !found && !retried && ctx.Err() == nil {
				retried = true
				c.sleep(ctx, c.cfg.RetryDelay)
				c.refresh(ctx, ev.Channel)
				continue
			}
			break
		}

		ch.state.Apply(rec)

		if rec.DeviceTimestamp > projected {
			held = append(held, rec)
			break
		}

		if rec.Transition == ev.Transition {
			// Latest plausible cause wins; anything before it is stale
			candidate = rec
			found = true
			held = held[:0]
			continue
		}

		if found {
			held = append(held, rec)
		}
	}

	ch.buf.PushFront(held...)

	if found {
		out.Matched = true
		out.Reason = ReasonNone
		out.DeviceTimestamp = candidate.DeviceTimestamp
		out.Latency = projected - candidate.DeviceTimestamp
		out.LatencyDuration = time.Duration(out.Latency) * c.cfg.DeviceUnit
	}

	return out
}

// bookkeep updates counters and per-channel display intervals
func (c *Correlator) bookkeep(out *Outcome) {
	c.processed.Inc()
	if out.Matched {
		c.matched.Inc()
		c.log.V(1).Info("event matched",
			"channel", out.Event.Channel,
			"transition", out.Event.Transition.String(),
			"latency", out.Latency,
			"deviceTime", out.DeviceTimestamp)
	} else {
		c.unmatched.Inc()
		if out.Reason != ReasonUnwatched {
			c.log.V(1).Info("event unmatched",
				"channel", out.Event.Channel,
				"transition", out.Event.Transition.String(),
				"projected", out.ProjectedTime)
		}
	}

	ch, ok := c.channels[out.Event.Channel]
	if !ok {
		return
	}

	ts := out.Event.HostTimestamp
	switch out.Event.Transition {
	case event.Press:
		if ch.hasDisplayedOn {
			out.Interval = time.Duration(ts-ch.lastDisplayedOn) * c.cfg.HostTick
		}
		ch.lastDisplayedOn = ts
		ch.hasDisplayedOn = true
	case event.Release:
		if ch.hasDisplayedOff {
			out.Interval = time.Duration(ts-ch.lastDisplayedOff) * c.cfg.HostTick
		}
		ch.lastDisplayedOff = ts
		ch.hasDisplayedOff = true
	}
}

// State returns the debounced state of a watched channel
func (c *Correlator) State(channel int) (ButtonState, bool) {
	ch, ok := c.channels[channel]
	if !ok {
		return ButtonState{}, false
	}
	return ch.state, true
}

// Buffered returns how many device records are waiting on a channel
func (c *Correlator) Buffered(channel int) int {
	ch, ok := c.channels[channel]
	if !ok {
		return 0
	}
	return ch.buf.Len()
}

// Channels returns the watched channels
func (c *Correlator) Channels() []int {
	return c.cfg.Channels
}

// Stats returns counters; safe to call from any goroutine
func (c *Correlator) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Matched:   c.matched.Load(),
		Unmatched: c.unmatched.Load(),
		Records:   c.records.Load(),
	}
}

// Stop asks ProcessOnce to return before the next queued event
func (c *Correlator) Stop() {
	c.stopped.Store(true)
}

// Stopped reports whether Stop was called
func (c *Correlator) Stopped() bool {
	return c.stopped.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
