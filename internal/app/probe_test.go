// ABOUTME: Tests for probe application orchestration
// ABOUTME: Runs the probe against the in-process simulator
package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/latencyprobe/latencyprobe-go/internal/config"
	"github.com/latencyprobe/latencyprobe-go/pkg/devicesim"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.StateFile = filepath.Join(t.TempDir(), "state.yaml")
	c.Correlate.Channels = []int{0, 1}
	c.Correlate.PollRate = 200
	c.Sync.Rounds = 4
	c.Sync.FilterRounds = 4
	c.Log.File = ""
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startProbe(t *testing.T, cfg Config) (*Probe, chan error) {
	t.Helper()

	p := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	errChan := make(chan error, 1)
	go func() { errChan <- p.Run(ctx) }()

	select {
	case <-p.Ready():
	case err := <-errChan:
		t.Fatalf("probe exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("probe never became ready")
	}
	return p, errChan
}

func TestNewProbe(t *testing.T) {
	p := New(Config{})

	if p.config.Probe == nil {
		t.Fatal("expected default probe config")
	}
	if p.host == nil || p.queue == nil || p.terminal == nil {
		t.Error("components should be initialized")
	}
	if s := p.Stats(); s.Processed != 0 {
		t.Errorf("expected zero stats before ready, got %+v", s)
	}
	if p.Simulator() != nil {
		t.Error("no simulator without Simulate")
	}

	// Stop before Run is harmless
	p.Stop()
}

func TestProbeSimulatedMatch(t *testing.T) {
	pc := testConfig(t)
	p, errChan := startProbe(t, Config{
		Probe:    pc,
		Simulate: true,
		Sim: devicesim.Config{
			Offset:      5_000_000,
			Skew:        20e-6,
			HostLatency: 3 * time.Millisecond,
			Seed:        1,
		},
	})

	if _, err := p.Simulator().Press(1); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return p.Stats().Matched >= 1 })

	p.Stop()
	if err := <-errChan; err != nil {
		t.Fatalf("run: %v", err)
	}
	p.Wait()

	st, err := config.LoadState(pc.StateFile)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.DeviceID != p.Simulator().Hello().DeviceID {
		t.Errorf("state saved for %q, want %q", st.DeviceID, p.Simulator().Hello().DeviceID)
	}
	if st.SavedAt.IsZero() {
		t.Error("expected save time")
	}
}

func TestProbeAutoPress(t *testing.T) {
	pc := testConfig(t)
	pc.StateFile = ""

	p, errChan := startProbe(t, Config{
		Probe:     pc,
		Simulate:  true,
		Sim:       devicesim.Config{HostLatency: time.Millisecond, Seed: 2},
		AutoPress: 20 * time.Millisecond,
	})

	waitFor(t, 5*time.Second, func() bool { return p.Stats().Matched >= 4 })

	p.Stop()
	if err := <-errChan; err != nil {
		t.Fatalf("run: %v", err)
	}
	p.Wait()
}

func TestKeysDroppedUntilReady(t *testing.T) {
	pc := testConfig(t)
	pc.StateFile = ""

	p := New(Config{
		Probe:    pc,
		Simulate: true,
		Sim:      devicesim.Config{HostLatency: 3 * time.Millisecond, Seed: 3},
	})
	p.handleKey('1')
	if p.queue.Len() != 0 {
		t.Fatalf("expected no queued events before ready, got %d", p.queue.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	errChan := make(chan error, 1)
	go func() { errChan <- p.Run(ctx) }()

	select {
	case <-p.Ready():
	case err := <-errChan:
		t.Fatalf("probe exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("probe never became ready")
	}

	p.handleKey('2')
	waitFor(t, 3*time.Second, func() bool { return p.Stats().Matched >= 1 })

	p.Stop()
	if err := <-errChan; err != nil {
		t.Fatalf("run: %v", err)
	}
	p.Wait()
}

func TestStaleWindow(t *testing.T) {
	if got := staleWindow(5 * time.Minute); got != 10*time.Minute {
		t.Errorf("expected twice the skew interval cap, got %v", got)
	}
	if got := staleWindow(time.Second); got != clocksync.StaleAfter {
		t.Errorf("expected the default floor, got %v", got)
	}
}

func TestPriorSkew(t *testing.T) {
	pc := testConfig(t)
	if err := config.SaveState(pc.StateFile, config.State{DeviceID: "bench-1", Skew: 3e-5}); err != nil {
		t.Fatalf("save: %v", err)
	}

	p := New(Config{Probe: pc})

	p.info.ID = "bench-1"
	if got := p.priorSkew(); got != 3e-5 {
		t.Errorf("expected saved skew, got %v", got)
	}

	p.info.ID = "other"
	if got := p.priorSkew(); got != 0 {
		t.Errorf("skew from another device should be ignored, got %v", got)
	}

	pc.Sync.PriorSkew = -1e-5
	if got := p.priorSkew(); got != -1e-5 {
		t.Errorf("configured skew should win, got %v", got)
	}
}

func TestProbeConnectFailure(t *testing.T) {
	pc := testConfig(t)
	pc.Device.Addr = "127.0.0.1:1"

	p := New(Config{Probe: pc})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Run(ctx); err == nil {
		t.Fatal("expected connection error")
	}
}
