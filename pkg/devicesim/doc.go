// ABOUTME: Simulated latency probe device package
// ABOUTME: Provides a drifting device clock, a hardware event log and servers
// Package devicesim simulates a latency probe device.
//
// A Device keeps its own clock, offset and skewed from the host, and logs
// press and release transitions with optional contact bounce. A host hook
// reports each press to the probe after a configurable delay, standing in for
// the input stack under test.
//
// Example:
//
//	dev := devicesim.New(devicesim.Config{Channels: []int{0}, Skew: 50e-6})
//	srv, _ := devicesim.NewServer(devicesim.ServerConfig{Port: 8930, Device: dev})
//	go srv.Start()
//	dev.Press(0)
package devicesim
