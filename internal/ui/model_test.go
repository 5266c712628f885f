// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, outcome aggregation and key handling
package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/latencyprobe/latencyprobe-go/pkg/correlate"
	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	"github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

func matched(channel int, tr event.Transition, lat time.Duration) correlate.Outcome {
	return correlate.Outcome{
		Event:           event.HostEvent{Channel: channel, Transition: tr},
		Matched:         true,
		Latency:         int64(lat / time.Microsecond),
		LatencyDuration: lat,
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(nil, []int{3, 1})

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
	if ids := model.channelIDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("expected sorted channels [1 3], got %v", ids)
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel(nil, nil)

	connected := true
	model.applyStatus(StatusMsg{
		Connected:  &connected,
		DeviceName: "bench-probe",
		Transport:  "websocket",
	})

	if !model.connected {
		t.Error("expected connected to be true after status update")
	}
	if model.deviceName != "bench-probe" || model.transport != "websocket" {
		t.Errorf("unexpected device %q via %q", model.deviceName, model.transport)
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
	if model.deviceName != "bench-probe" {
		t.Error("empty name should not clear the device name")
	}
}

func TestStatusMsgSync(t *testing.T) {
	model := NewModel(nil, nil)

	for _, q := range []sync.Quality{sync.QualityGood, sync.QualityDegraded, sync.QualityLost} {
		model.applyStatus(StatusMsg{Sync: &SyncStatus{Skew: 2e-5, Uncertainty: 40, Quality: q}})
		if model.syncQuality != q {
			t.Errorf("quality not updated to %v", q)
		}
	}
	if model.skew != 2e-5 || model.uncertainty != 40 {
		t.Errorf("unexpected skew %v uncertainty %v", model.skew, model.uncertainty)
	}

	// Absent sync leaves the last snapshot alone
	model.applyStatus(StatusMsg{})
	if model.uncertainty != 40 {
		t.Error("sync snapshot lost")
	}
}

func TestStatusMsgStats(t *testing.T) {
	model := NewModel(nil, nil)

	model.applyStatus(StatusMsg{Stats: &correlate.Stats{Processed: 10, Matched: 8, Unmatched: 2, Records: 20}})
	if model.processed != 10 || model.matched != 8 || model.unmatched != 2 || model.records != 20 {
		t.Errorf("unexpected counters %d/%d/%d/%d", model.processed, model.matched, model.unmatched, model.records)
	}

	// Zero counters are valid values
	model.applyStatus(StatusMsg{Stats: &correlate.Stats{}})
	if model.processed != 0 {
		t.Error("stats should be updated to 0")
	}
}

func TestOutcomeAggregation(t *testing.T) {
	model := NewModel(nil, []int{1})

	model.applyOutcome(matched(1, event.Press, 10*time.Millisecond))
	model.applyOutcome(matched(1, event.Release, 30*time.Millisecond))
	model.applyOutcome(correlate.Outcome{
		Event:  event.HostEvent{Channel: 1, Transition: event.Press},
		Reason: correlate.ReasonNoRecord,
	})

	r := model.rows[1]
	if r.matched != 2 {
		t.Fatalf("expected 2 matched, got %d", r.matched)
	}
	if r.mean() != 20*time.Millisecond {
		t.Errorf("expected mean 20ms, got %v", r.mean())
	}
	if r.minLat != 10*time.Millisecond || r.maxLat != 30*time.Millisecond {
		t.Errorf("unexpected min/max %v/%v", r.minLat, r.maxLat)
	}
	if !r.pressed {
		t.Error("last event was a press")
	}
	if r.last.Matched {
		t.Error("last outcome should be the miss")
	}
	if len(model.history) != 3 || !strings.Contains(model.history[2], "no matching device record") {
		t.Errorf("unexpected history %v", model.history)
	}
}

func TestOutcomeAddsUnknownChannel(t *testing.T) {
	model := NewModel(nil, []int{1})
	model.applyOutcome(correlate.Outcome{
		Event:  event.HostEvent{Channel: 9},
		Reason: correlate.ReasonUnwatched,
	})
	if _, ok := model.rows[9]; !ok {
		t.Error("outcome channel should get a row")
	}
}

func TestHistoryBounded(t *testing.T) {
	model := NewModel(nil, []int{0})
	for i := 0; i < historySize*2; i++ {
		model.applyOutcome(matched(0, event.Press, time.Millisecond))
	}
	if len(model.history) != historySize {
		t.Errorf("expected %d history lines, got %d", historySize, len(model.history))
	}
}

func TestKeyHandling(t *testing.T) {
	var typed []rune
	ctrl := NewControl(func(r rune) { typed = append(typed, r) })
	model := NewModel(ctrl, []int{0})

	m, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'1'}})
	model = m.(Model)
	if len(typed) != 1 || typed[0] != '1' {
		t.Errorf("expected '1' forwarded, got %v", typed)
	}

	m, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	model = m.(Model)
	select {
	case <-ctrl.Resync:
	default:
		t.Error("expected resync request")
	}
	if len(typed) != 1 {
		t.Error("command keys should not be forwarded")
	}

	m, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	model = m.(Model)
	if !model.showDebug {
		t.Error("expected debug toggled on")
	}

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Error("expected quit command")
	}
}

func TestClearResetsStats(t *testing.T) {
	model := NewModel(nil, []int{0})
	model.applyOutcome(matched(0, event.Press, time.Millisecond))

	m, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	model = m.(Model)

	if model.rows[0].matched != 0 || len(model.history) != 0 {
		t.Error("expected stats cleared")
	}
	if !model.rows[0].pressed {
		t.Error("button state should survive a clear")
	}
}

func TestViewRenders(t *testing.T) {
	model := NewModel(nil, []int{0})
	if model.View() != "Loading..." {
		t.Error("expected loading view before window size")
	}

	m, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m, _ = m.Update(OutcomeMsg(matched(0, event.Press, 12500*time.Microsecond)))
	view := m.View()

	if !strings.Contains(view, "12.50ms") {
		t.Errorf("expected latency in view:\n%s", view)
	}
	if !strings.Contains(view, "Disconnected") {
		t.Errorf("expected disconnected header:\n%s", view)
	}
}

func TestTruncateFunction(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"this is longer than allowed", 10, "this is..."},
		{"", 10, ""},
		{"abcd", 4, "abcd"},
		{"abcde", 4, "a..."},
		{"±±±±±", 4, "±..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, expected %q",
				tt.input, tt.maxLen, result, tt.expected)
		}
	}
}
