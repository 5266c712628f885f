// ABOUTME: Bubbletea model for the probe TUI
// ABOUTME: Tracks connection, sync quality and the latest outcome per channel
package ui

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/latencyprobe/latencyprobe-go/pkg/correlate"
	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	"github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

const historySize = 8

// channelRow is the display state of one watched channel
type channelRow struct {
	last     correlate.Outcome
	hasLast  bool
	matched  int64
	sumLat   time.Duration
	minLat   time.Duration
	maxLat   time.Duration
	pressed  bool
	interval time.Duration
}

func (r channelRow) mean() time.Duration {
	if r.matched == 0 {
		return 0
	}
	return r.sumLat / time.Duration(r.matched)
}

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	deviceName string
	transport  string

	// Sync
	skew        float64
	uncertainty float64
	syncQuality sync.Quality

	// Channels
	rows    map[int]*channelRow
	history []string

	// Stats
	processed int64
	matched   int64
	unmatched int64
	records   int64

	showDebug bool
	ctrl      *Control

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case OutcomeMsg:
		m.applyOutcome(correlate.Outcome(msg))
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderChannels()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("%s via %s", m.deviceName, m.transport)
	}

	syncIcon := "✗"
	syncText := "Lost"
	switch m.syncQuality {
	case sync.QualityGood:
		syncIcon = "✓"
		syncText = fmt.Sprintf("Synced (±%.0fµs, skew %+.1fppm)", m.uncertainty, m.skew*1e6)
	case sync.QualityDegraded:
		syncIcon = "⚠"
		syncText = fmt.Sprintf("Degraded (±%.0fµs)", m.uncertainty)
	}

	return fmt.Sprintf(`┌─ Latency Probe ──────────────────────────────────────┐
│ Device: %-44s │
│ Sync:   %s %-42s │
├──────────────────────────────────────────────────────┤
`, truncate(connStatus, 44), syncIcon, truncate(syncText, 42))
}

func (m Model) renderChannels() string {
	if len(m.rows) == 0 {
		return "│ No channels watched                                  │\n"
	}

	s := "│ Ch  State  Last       Mean       Min/Max             │\n"
	for _, id := range m.channelIDs() {
		r := m.rows[id]

		state := "up"
		if r.pressed {
			state = "down"
		}

		last := "-"
		if r.hasLast {
			if r.last.Matched {
				last = formatLatency(r.last.LatencyDuration)
			} else {
				last = "miss"
			}
		}

		minMax := "-"
		if r.matched > 0 {
			minMax = formatLatency(r.minLat) + "/" + formatLatency(r.maxLat)
		}

		s += fmt.Sprintf("│ %-3d %-6s %-10s %-10s %-19s │\n",
			id, state, last, formatLatency(r.mean()), truncate(minMax, 19))
	}

	return s
}

func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Events: %d  Matched: %d  Unmatched: %d%-10s │
│                                                      │
`, m.processed, m.matched, m.unmatched, "")
}

func (m Model) renderHelp() string {
	return `│ keys:Press  s:Resync  c:Clear  d:Debug  q:Quit      │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	s := fmt.Sprintf("│ DEBUG: records %d, skew %.9f%-19s │\n", m.records, m.skew, "")
	for _, line := range m.history {
		s += fmt.Sprintf("│   %-50s │\n", truncate(line, 50))
	}
	return s
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		m.ctrl.resync()
		return m, nil
	case "c":
		m.resetStats()
		return m, nil
	case "d":
		m.showDebug = !m.showDebug
		return m, nil
	}

	if msg.Type == tea.KeyRunes && m.ctrl != nil && m.ctrl.Key != nil {
		for _, r := range msg.Runes {
			m.ctrl.Key(r)
		}
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.DeviceName != "" {
		m.deviceName = msg.DeviceName
	}
	if msg.Transport != "" {
		m.transport = msg.Transport
	}
	if msg.Sync != nil {
		m.skew = msg.Sync.Skew
		m.uncertainty = msg.Sync.Uncertainty
		m.syncQuality = msg.Sync.Quality
	}
	if msg.Stats != nil {
		m.processed = msg.Stats.Processed
		m.matched = msg.Stats.Matched
		m.unmatched = msg.Stats.Unmatched
		m.records = msg.Stats.Records
	}
	for _, id := range msg.Channels {
		m.row(id)
	}
}

// applyOutcome records one correlation result against its channel
func (m *Model) applyOutcome(out correlate.Outcome) {
	r := m.row(out.Event.Channel)
	r.last = out
	r.hasLast = true
	r.pressed = out.Event.Transition == event.Press
	if out.Interval > 0 {
		r.interval = out.Interval
	}

	line := fmt.Sprintf("ch%d %s ", out.Event.Channel, out.Event.Transition)
	if out.Matched {
		lat := out.LatencyDuration
		if r.matched == 0 || lat < r.minLat {
			r.minLat = lat
		}
		if r.matched == 0 || lat > r.maxLat {
			r.maxLat = lat
		}
		r.matched++
		r.sumLat += lat
		line += formatLatency(lat)
	} else {
		line += out.Reason.String()
	}

	m.history = append(m.history, line)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

func (m *Model) resetStats() {
	for id, r := range m.rows {
		m.rows[id] = &channelRow{pressed: r.pressed}
	}
	m.history = nil
}

func (m *Model) row(id int) *channelRow {
	if m.rows == nil {
		m.rows = make(map[int]*channelRow)
	}
	r, ok := m.rows[id]
	if !ok {
		r = &channelRow{}
		m.rows[id] = r
	}
	return r
}

func (m Model) channelIDs() []int {
	ids := make([]int, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SyncStatus is a snapshot of clock calibration
type SyncStatus struct {
	Skew        float64
	Uncertainty float64
	Quality     sync.Quality
}

// StatusMsg updates TUI state; nil and empty fields are left unchanged
type StatusMsg struct {
	Connected  *bool
	DeviceName string
	Transport  string
	Sync       *SyncStatus
	Stats      *correlate.Stats
	Channels   []int
}

// OutcomeMsg delivers one correlation result
type OutcomeMsg correlate.Outcome

func formatLatency(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

func truncate(s string, length int) string {
	if len([]rune(s)) <= length {
		return s
	}
	return string([]rune(s)[:length-3]) + "..."
}
