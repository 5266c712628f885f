// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and its control channels
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Control carries requests from the TUI back to the probe
type Control struct {
	Resync chan struct{}

	// Key receives typed runes that are not TUI commands
	Key func(r rune)
}

// NewControl creates a control handler
func NewControl(key func(r rune)) *Control {
	return &Control{
		Resync: make(chan struct{}, 1),
		Key:    key,
	}
}

func (c *Control) resync() {
	if c != nil {
		signal(c.Resync)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NewModel creates a new TUI model for the given channels
func NewModel(ctrl *Control, channels []int) Model {
	m := Model{ctrl: ctrl}
	m.applyStatus(StatusMsg{Channels: channels})
	return m
}

// Run creates the TUI program; the caller starts it with Run
func Run(ctrl *Control, channels []int) *tea.Program {
	return tea.NewProgram(NewModel(ctrl, channels), tea.WithAltScreen())
}
