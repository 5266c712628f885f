// ABOUTME: Clock synchronization with skew correction
// ABOUTME: Calibrates host ticks against the device counter over round trips
package sync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	// DefaultTicksToUnit converts nanosecond host ticks to microsecond device units
	DefaultTicksToUnit = 0.001

	// DegradedUncertainty is the uncertainty (device units) above which quality degrades
	DegradedUncertainty = 2000

	// StaleAfter is how long a calibration stays good without a new Sync or
	// successful AdjustSkew, unless overridden with WithStaleAfter
	StaleAfter = 30 * time.Second
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// SyncPoint is a calibrated correspondence between the two clocks
type SyncPoint struct {
	DeviceReference int64   // device units
	HostReference   int64   // host ticks judged to coincide with DeviceReference
	Skew            float64 // dimensionless rate correction

	// Averages from the calibration round, in device units.
	HostIntervalAvg   float64
	DeviceIntervalAvg float64
	Uncertainty       float64

	Valid        bool
	SyncedAt     time.Time
	LastAdjusted time.Time // last successful AdjustSkew against this point
}

// Freshest returns when the calibration was last confirmed
func (p SyncPoint) Freshest() time.Time {
	if p.LastAdjusted.After(p.SyncedAt) {
		return p.LastAdjusted
	}
	return p.SyncedAt
}

// Option configures a Clock
type Option func(*Clock)

// WithHostClock sets the tick source used by projections
func WithHostClock(h HostClock) Option {
	return func(c *Clock) { c.host = h }
}

// WithTicksToUnit sets the device units per host tick
func WithTicksToUnit(ratio float64) Option {
	return func(c *Clock) {
		if ratio > 0 {
			c.ticksToUnit = ratio
		}
	}
}

// WithStaleAfter sets how long a calibration counts as current
func WithStaleAfter(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithPriorSkew seeds the skew from a previous session
func WithPriorSkew(skew float64) Option {
	return func(c *Clock) { c.point.Skew = skew }
}

// WithLogger sets the logger
func WithLogger(l logr.Logger) Option {
	return func(c *Clock) { c.log = l }
}

// Clock maintains the host/device mapping for one device
type Clock struct {
	mu          sync.RWMutex
	transport   Transport
	host        HostClock
	ticksToUnit float64
	point       SyncPoint
	staleAfter  time.Duration
	syncCount   int
	failures    int
	log         logr.Logger
}

// measurement is the outcome of the filtered and averaged round trips
type measurement struct {
	deviceRef    int64
	hostRef      int64
	hostWindow   float64
	deviceWindow float64
	rounds       int
}

// NewClock creates a synchronizer over the given transport
func NewClock(transport Transport, opts ...Option) *Clock {
	c := &Clock{
		transport:   transport,
		ticksToUnit: DefaultTicksToUnit,
		staleAfter:  StaleAfter,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.host == nil {
		c.host = NewMonotonicClock()
	}
	return c
}

// Sync replaces the SyncPoint with a fresh calibration. On failure the
// previous SyncPoint is left untouched.
func (c *Clock) Sync(ctx context.Context, averagingRounds, filterRounds int) bool {
	m, ok := c.measure(ctx, averagingRounds, filterRounds)
	if !ok {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()
		c.log.Info("clock sync failed: no valid samples", "consecutiveFailures", failures)
		return false
	}

	c.mu.Lock()
	c.point = SyncPoint{
		DeviceReference:   m.deviceRef,
		HostReference:     m.hostRef,
		Skew:              c.point.Skew,
		HostIntervalAvg:   m.hostWindow,
		DeviceIntervalAvg: m.deviceWindow,
		Uncertainty:       m.hostWindow - m.deviceWindow,
		Valid:             true,
		SyncedAt:          time.Now(),
	}
	c.syncCount++
	c.failures = 0
	point := c.point
	count := c.syncCount
	c.mu.Unlock()

	logger := c.log.V(1)
	if count <= 3 {
		logger = c.log
	}
	logger.Info("clock synced",
		"sync", count,
		"deviceRef", point.DeviceReference,
		"hostRef", point.HostReference,
		"hostWindow", point.HostIntervalAvg,
		"deviceWindow", point.DeviceIntervalAvg,
		"uncertainty", point.Uncertainty,
		"rounds", m.rounds)

	return true
}

// ReadDeviceTime measures the device clock without touching the SyncPoint
// and returns the device's current time.
func (c *Clock) ReadDeviceTime(ctx context.Context, averagingRounds, filterRounds int) (int64, bool) {
	m, ok := c.measure(ctx, averagingRounds, filterRounds)
	if !ok {
		return 0, false
	}
	elapsed := float64(c.host.Now()-m.hostRef) * c.ticksToUnit
	return m.deviceRef + int64(math.Round(elapsed)), true
}

// AdjustSkew re-estimates the drift rate from a fresh reading against the
// current SyncPoint. The estimate is recomputed from scratch each call and is
// more reliable the longer it has been since the last Sync.
func (c *Clock) AdjustSkew(ctx context.Context, averagingRounds, filterRounds int) bool {
	c.mu.RLock()
	point := c.point
	c.mu.RUnlock()

	if !point.Valid {
		return false
	}

	m, ok := c.measure(ctx, averagingRounds, filterRounds)
	if !ok {
		return false
	}

	projected := c.project(point, m.hostRef, 0)
	span := projected - point.DeviceReference
	if span == 0 {
		return false
	}
	skew := float64(m.deviceRef-projected) / float64(span)

	c.mu.Lock()
	c.point.Skew = skew
	c.point.LastAdjusted = time.Now()
	c.mu.Unlock()

	c.log.Info("clock skew adjusted", "skew", skew, "span", span, "error", m.deviceRef-projected)
	return true
}

// ProjectDeviceTime converts a host tick into device units
func (c *Clock) ProjectDeviceTime(hostTime int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.project(c.point, hostTime, c.point.Skew)
}

// ProjectHostTime converts a device timestamp into host ticks
func (c *Clock) ProjectHostTime(deviceTime int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rate := c.ticksToUnit * (1 + c.point.Skew)
	elapsed := float64(deviceTime-c.point.DeviceReference) / rate
	return c.point.HostReference + int64(math.Round(elapsed))
}

func (c *Clock) project(p SyncPoint, hostTime int64, skew float64) int64 {
	elapsed := float64(hostTime-p.HostReference) * c.ticksToUnit * (1 + skew)
	return p.DeviceReference + int64(math.Round(elapsed))
}

// measure runs averagingRounds rounds of filterRounds round trips each
func (c *Clock) measure(ctx context.Context, averagingRounds, filterRounds int) (measurement, bool) {
	var (
		m         measurement
		last      ClockSample
		offsetSum float64
		hostSum   float64
		devSum    float64
	)

	for round := 0; round < averagingRounds; round++ {
		if ctx.Err() != nil {
			break
		}

		best, ok := c.tightest(ctx, filterRounds)
		if !ok {
			continue
		}

		hostWindow := float64(best.HostWindow()) * c.ticksToUnit
		deviceWindow := float64(best.DeviceWindow())

		// Transit out, device processing and transit back are assumed to
		// take equal shares of the unexplained time.
		offsetSum += (hostWindow - deviceWindow) / 3
		hostSum += hostWindow
		devSum += deviceWindow
		last = best
		m.rounds++
	}

	if m.rounds == 0 {
		return m, false
	}

	n := float64(m.rounds)
	m.deviceRef = last.DeviceLo
	m.hostRef = last.HostSend + int64(math.Round(offsetSum/n/c.ticksToUnit))
	m.hostWindow = hostSum / n
	m.deviceWindow = devSum / n
	return m, true
}

// tightest returns the sane sample with the smallest host window
func (c *Clock) tightest(ctx context.Context, filterRounds int) (ClockSample, bool) {
	var best ClockSample
	found := false

	for i := 0; i < filterRounds; i++ {
		if ctx.Err() != nil {
			break
		}

		sample, err := c.transport.ReadClock(ctx)
		if err != nil {
			c.log.V(2).Info("clock read failed", "error", err.Error())
			continue
		}
		if !sample.Sane(c.ticksToUnit) {
			c.log.V(1).Info("discarding clock sample: device window exceeds round trip",
				"hostWindow", sample.HostWindow(), "deviceWindow", sample.DeviceWindow())
			continue
		}
		if !found || sample.HostWindow() < best.HostWindow() {
			best = sample
			found = true
		}
	}

	return best, found
}

// SyncPoint returns a copy of the current calibration
func (c *Clock) SyncPoint() SyncPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.point
}

// Skew returns the current drift correction
func (c *Clock) Skew() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.point.Skew
}

// Uncertainty returns the last calibration's excess window in device units
func (c *Clock) Uncertainty() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.point.Uncertainty
}

// TicksToUnit returns the device units per host tick
func (c *Clock) TicksToUnit() float64 {
	return c.ticksToUnit
}

// HostNow returns the current host tick from the configured tick source
func (c *Clock) HostNow() int64 {
	return c.host.Now()
}

// Quality classifies the current calibration
func (c *Clock) Quality() Quality {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.point.Valid || time.Since(c.point.Freshest()) > c.staleAfter {
		return QualityLost
	}
	if c.point.Uncertainty > DegradedUncertainty {
		return QualityDegraded
	}
	return QualityGood
}

// Stats returns sync statistics
func (c *Clock) Stats() (skew, uncertainty float64, quality Quality) {
	quality = c.Quality()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.point.Skew, c.point.Uncertainty, quality
}
