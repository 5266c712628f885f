// ABOUTME: Latency probe device wire protocol package
// ABOUTME: Defines protocol messages, codecs and device clients
// Package protocol implements the device protocol spoken by latency probe
// hardware.
//
// Messages travel as a {type, payload} envelope: JSON text frames over
// WebSocket, or msgpack inside 0xA5-prefixed frames over a serial line. Both
// clients satisfy sync.Transport and correlate.DeviceEventSource.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{Addr: "probe.local:8930"})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	clock := sync.NewClock(client)
package protocol
