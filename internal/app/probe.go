// ABOUTME: Probe application orchestration
// ABOUTME: Connects the device, calibrates the clock and runs the correlation loop
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/latencyprobe/latencyprobe-go/internal/config"
	"github.com/latencyprobe/latencyprobe-go/internal/listener"
	"github.com/latencyprobe/latencyprobe-go/internal/metrics"
	"github.com/latencyprobe/latencyprobe-go/internal/ui"
	"github.com/latencyprobe/latencyprobe-go/internal/version"
	"github.com/latencyprobe/latencyprobe-go/pkg/correlate"
	"github.com/latencyprobe/latencyprobe-go/pkg/devicesim"
	"github.com/latencyprobe/latencyprobe-go/pkg/discovery"
	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

const (
	initialSyncAttempts = 5
	initialSyncPause    = 200 * time.Millisecond
	statusInterval      = 250 * time.Millisecond
)

// Config holds probe configuration
type Config struct {
	Probe *config.Config

	// Simulate replaces the hardware with an in-process device
	Simulate bool
	Sim      devicesim.Config
	// AutoPress presses each channel in turn at this interval when simulating
	AutoPress time.Duration

	UseTUI bool
	Logger logr.Logger
}

// Device is what the probe needs from the hardware
type Device interface {
	clocksync.Transport
	correlate.DeviceEventSource
	Close() error
}

type deviceInfo struct {
	Name      string
	ID        string
	Transport string
	Unit      time.Duration
}

// Probe is the latency measurement application
type Probe struct {
	config Config
	log    logr.Logger

	host  *clocksync.MonotonicClock
	queue *correlate.Queue

	device Device
	info   deviceInfo
	sim    *devicesim.Device

	clock    *clocksync.Clock
	corr     *correlate.Correlator
	recorder *metrics.Recorder
	terminal *listener.Terminal

	tuiProg *tea.Program
	ctrl    *ui.Control

	mu     sync.Mutex
	ready  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a probe
func New(cfg Config) *Probe {
	if cfg.Probe == nil {
		cfg.Probe = config.Default()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	p := &Probe{
		config: cfg,
		log:    cfg.Logger,
		host:   clocksync.NewMonotonicClock(),
		queue:  correlate.NewQueue(),
		ready:  make(chan struct{}),
	}

	keys := listener.KeyChannels(cfg.Probe.Listeners.TerminalKeys, cfg.Probe.Correlate.Channels)
	p.terminal = listener.NewTerminal(os.Stdin, keys, p.host, p.queue, p.log.WithName("terminal"))

	return p
}

// Run measures until ctx is done or the user quits
func (p *Probe) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	pc := p.config.Probe

	if p.config.UseTUI {
		p.ctrl = ui.NewControl(p.handleKey)
		p.tuiProg = ui.Run(p.ctrl, pc.Correlate.Channels)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.tuiProg.Run(); err != nil {
				p.log.Error(err, "TUI error")
			}
			cancel()
		}()
		defer p.tuiProg.Quit()
	}

	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer p.device.Close()

	p.log.Info("connected", "device", p.info.Name, "id", p.info.ID, "transport", p.info.Transport)
	p.status(ui.StatusMsg{Connected: boolPtr(true), DeviceName: p.info.Name, Transport: p.info.Transport})

	p.clock = clocksync.NewClock(p.device,
		clocksync.WithHostClock(p.host),
		clocksync.WithTicksToUnit(pc.Sync.TicksToUnit),
		clocksync.WithPriorSkew(p.priorSkew()),
		clocksync.WithStaleAfter(staleWindow(pc.Sync.SkewIntervalMax)),
		clocksync.WithLogger(p.log.WithName("clock")))

	if err := p.initialSync(ctx); err != nil {
		return err
	}

	if pc.Device.ClearOnStart {
		if err := p.device.ClearLog(ctx, event.AllChannels); err != nil {
			p.log.Error(err, "clearing device log")
		}
	}

	p.corr = correlate.New(p.clock, p.device, p.queue, correlate.Config{
		Channels:       pc.Correlate.Channels,
		RetryDelay:     pc.Correlate.RetryDelay,
		ContinuousSync: pc.Sync.Continuous,
		SyncRounds:     pc.Sync.Rounds,
		FilterRounds:   pc.Sync.FilterRounds,
		HostTick:       time.Nanosecond,
		DeviceUnit:     p.info.Unit,
		Logger:         p.log.WithName("correlate"),
	})
	p.recorder = metrics.New(p.clock)

	p.startBackground(ctx)
	close(p.ready)

	p.correlateLoop(ctx)

	p.corr.Stop()
	cancel()
	p.saveState()
	p.log.Info("probe stopped", "stats", fmt.Sprintf("%+v", p.corr.Stats()))

	return nil
}

// connect opens the configured transport or the simulator
func (p *Probe) connect(ctx context.Context) error {
	pc := p.config.Probe

	if p.config.Simulate {
		sim := p.config.Sim
		if len(sim.Channels) == 0 {
			sim.Channels = pc.Correlate.Channels
		}
		p.sim = devicesim.NewWithHost(sim, p.host)
		p.sim.SetHostHook(p.queue.Enqueue)

		hello := p.sim.Hello()
		p.device = simDevice{p.sim}
		p.info = deviceInfo{Name: hello.Name, ID: hello.DeviceID, Transport: "simulated", Unit: time.Microsecond}
		return nil
	}

	switch pc.Device.Transport {
	case config.TransportSerial:
		c, err := protocol.OpenSerial(ctx, protocol.SerialConfig{
			Port:      pc.Device.SerialPort,
			Baud:      pc.Device.Baud,
			Name:      version.Product,
			Timeout:   pc.Device.Timeout,
			HostClock: p.host,
			Logger:    p.log.WithName("serial"),
		})
		if err != nil {
			return err
		}
		p.device = c
		p.info = deviceInfo{Name: c.Device().Name, ID: c.Device().DeviceID, Transport: pc.Device.SerialPort, Unit: c.DeviceUnit()}
		return nil
	}

	addr, path := pc.Device.Addr, ""
	if addr == "" {
		p.log.Info("discovering devices", "timeout", pc.Device.DiscoveryTimeout)
		dev, err := discovery.Discover(ctx, pc.Device.DiscoveryTimeout, p.log.WithName("discovery"))
		if err != nil {
			return err
		}
		addr, path = dev.Addr(), dev.Path
	}

	c := protocol.NewClient(protocol.Config{
		Addr:      addr,
		Path:      path,
		Name:      version.Product,
		Timeout:   pc.Device.Timeout,
		HostClock: p.host,
		Logger:    p.log.WithName("client"),
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	p.device = c
	p.info = deviceInfo{Name: c.Device().Name, ID: c.Device().DeviceID, Transport: "ws://" + c.Addr(), Unit: c.DeviceUnit()}
	return nil
}

// priorSkew prefers the configured skew, then the one saved for this device
func (p *Probe) priorSkew() float64 {
	pc := p.config.Probe
	if pc.Sync.PriorSkew != 0 {
		return pc.Sync.PriorSkew
	}
	if pc.StateFile == "" {
		return 0
	}

	st, err := config.LoadState(pc.StateFile)
	if err != nil {
		p.log.Error(err, "loading state")
		return 0
	}
	if st.DeviceID != p.info.ID {
		return 0
	}
	p.log.V(1).Info("using saved skew", "skew", st.Skew, "saved", st.SavedAt)
	return st.Skew
}

func (p *Probe) initialSync(ctx context.Context) error {
	pc := p.config.Probe
	for attempt := 1; attempt <= initialSyncAttempts; attempt++ {
		if p.clock.Sync(ctx, pc.Sync.Rounds, pc.Sync.FilterRounds) {
			skew, uncertainty, quality := p.clock.Stats()
			p.log.Info("clock synchronized", "uncertainty", uncertainty, "skew", skew, "quality", quality.String())
			p.pushSync()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Info("clock sync failed, retrying", "attempt", attempt)
		time.Sleep(initialSyncPause)
	}
	return fmt.Errorf("clock sync failed after %d attempts", initialSyncAttempts)
}

// startBackground runs listeners, metrics, the status pump and the simulator presser
func (p *Probe) startBackground(ctx context.Context) {
	pc := p.config.Probe

	var listeners []listener.Listener
	if pc.Listeners.Evdev != "" {
		ev, err := listener.NewEvdev(pc.Listeners.Evdev, pc.Listeners.EvdevKeys, p.host, p.queue, p.log.WithName("evdev"))
		if err != nil {
			p.log.Error(err, "evdev listener disabled")
		} else {
			listeners = append(listeners, ev)
		}
	}
	if pc.Listeners.Terminal && !p.config.UseTUI && !p.config.Simulate {
		listeners = append(listeners, p.terminal)
	}

	for _, l := range listeners {
		l := l
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			err := l.Run(ctx)
			if errors.Is(err, listener.ErrInterrupted) {
				p.Stop()
				return
			}
			if err != nil {
				p.log.Error(err, "listener stopped", "listener", l.Name())
			}
		}()
	}

	if pc.Metrics.Listen != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.recorder.Serve(ctx, pc.Metrics.Listen, p.log.WithName("metrics")); err != nil {
				p.log.Error(err, "metrics endpoint")
			}
		}()
	}

	if p.tuiProg != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.statusLoop(ctx)
		}()
	}

	if p.sim != nil && p.config.AutoPress > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.autoPress(ctx)
		}()
	}
}

// correlateLoop paces ProcessOnce and owns every recalibration of the clock
func (p *Probe) correlateLoop(ctx context.Context) {
	pc := p.config.Probe

	limiter := rate.NewLimiter(rate.Limit(pc.Correlate.PollRate), 1)
	schedule := clocksync.NewSkewSchedule(pc.Sync.SkewIntervalMin, pc.Sync.SkewIntervalMax)
	skewTimer := time.NewTimer(schedule.Next())
	defer skewTimer.Stop()

	var resync <-chan struct{}
	if p.ctrl != nil {
		resync = p.ctrl.Resync
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		select {
		case <-skewTimer.C:
			if p.clock.AdjustSkew(ctx, pc.Sync.Rounds, pc.Sync.FilterRounds) {
				schedule.Success()
				p.log.V(1).Info("skew adjusted", "skew", p.clock.Skew(), "next", schedule.Next())
			} else {
				schedule.Failure()
			}
			skewTimer.Reset(schedule.Next())
		case <-resync:
			if p.clock.Sync(ctx, pc.Sync.Rounds, pc.Sync.FilterRounds) {
				p.log.Info("clock resynchronized", "uncertainty", p.clock.Uncertainty())
			}
		default:
		}

		for _, out := range p.corr.ProcessOnce(ctx) {
			p.report(out)
		}
	}
}

// report publishes one outcome to the log, metrics and TUI
func (p *Probe) report(out correlate.Outcome) {
	p.recorder.Observe(out)

	if out.Matched {
		p.log.Info("latency",
			"channel", out.Event.Channel,
			"transition", out.Event.Transition.String(),
			"ms", float64(out.LatencyDuration)/float64(time.Millisecond),
			"source", out.Event.Source)
	} else {
		p.log.Info("unmatched event",
			"channel", out.Event.Channel,
			"transition", out.Event.Transition.String(),
			"reason", out.Reason.String())
	}

	if p.tuiProg != nil {
		p.tuiProg.Send(ui.OutcomeMsg(out))
	}
}

func (p *Probe) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := p.corr.Stats()
			p.status(ui.StatusMsg{Stats: &stats})
			p.pushSync()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) pushSync() {
	skew, uncertainty, quality := p.clock.Stats()
	p.status(ui.StatusMsg{Sync: &ui.SyncStatus{Skew: skew, Uncertainty: uncertainty, Quality: quality}})
}

func (p *Probe) status(msg ui.StatusMsg) {
	if p.tuiProg != nil {
		p.tuiProg.Send(msg)
	}
}

// autoPress cycles press and release over the simulated channels
func (p *Probe) autoPress(ctx context.Context) {
	ticker := time.NewTicker(p.config.AutoPress)
	defer ticker.Stop()

	channels := p.sim.Channels()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			ch := channels[(i/2)%len(channels)]
			var err error
			if i%2 == 0 {
				_, err = p.sim.Press(ch)
			} else {
				_, err = p.sim.Release(ch)
			}
			if err != nil {
				p.log.Error(err, "simulated press", "channel", ch)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleKey turns TUI keys into presses. The TUI starts before the device
// is connected; keys arriving before Ready are dropped.
func (p *Probe) handleKey(r rune) {
	select {
	case <-p.ready:
	default:
		p.log.V(1).Info("key ignored while connecting", "key", string(r))
		return
	}

	if p.sim == nil {
		p.terminal.Key(r, p.host.Now())
		return
	}

	channel, ok := listener.KeyChannels(p.config.Probe.Listeners.TerminalKeys, p.sim.Channels())[r]
	if !ok {
		return
	}
	if _, err := p.sim.Press(channel); err != nil {
		return
	}
	time.AfterFunc(80*time.Millisecond, func() { p.sim.Release(channel) })
}

// saveState persists the skew for the next run
func (p *Probe) saveState() {
	path := p.config.Probe.StateFile
	if path == "" || !p.clock.SyncPoint().Valid {
		return
	}

	st := config.State{DeviceID: p.info.ID, Skew: p.clock.Skew(), SavedAt: time.Now()}
	if err := config.SaveState(path, st); err != nil {
		p.log.Error(err, "saving state")
		return
	}
	p.log.V(1).Info("state saved", "path", path, "skew", st.Skew)
}

// Ready is closed once the probe is calibrated and correlating
func (p *Probe) Ready() <-chan struct{} {
	return p.ready
}

// Stats returns correlation counters; zero before Ready
func (p *Probe) Stats() correlate.Stats {
	select {
	case <-p.ready:
		return p.corr.Stats()
	default:
		return correlate.Stats{}
	}
}

// Simulator returns the in-process device, or nil
func (p *Probe) Simulator() *devicesim.Device {
	return p.sim
}

// Stop ends Run
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until background goroutines have exited
func (p *Probe) Wait() {
	p.wg.Wait()
}

// simDevice adapts the simulator to Device
type simDevice struct {
	*devicesim.Device
}

func (s simDevice) Close() error {
	s.Device.Close()
	return nil
}

// staleWindow lets one AdjustSkew at the schedule cap fail before the
// calibration is reported lost
func staleWindow(skewIntervalMax time.Duration) time.Duration {
	if w := 2 * skewIntervalMax; w > clocksync.StaleAfter {
		return w
	}
	return clocksync.StaleAfter
}

func boolPtr(b bool) *bool {
	return &b
}
