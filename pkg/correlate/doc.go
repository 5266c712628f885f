// ABOUTME: Host/device event correlation package
// ABOUTME: Matches host input reports to device hardware log records
// Package correlate matches host-observed input transitions to the device
// hardware log records that caused them and reports the latency between the
// two.
//
// Listeners push events into a Queue from any goroutine. A single consumer
// calls Correlator.ProcessOnce, which refreshes the device log, projects each
// event's host timestamp onto the device clock and scans that channel's
// buffered records for the most recent transition of the same type that
// precedes it.
//
// Example:
//
//	queue := correlate.NewQueue()
//	c := correlate.New(clock, device, queue, correlate.Config{Channels: []int{0, 1}})
//	for _, out := range c.ProcessOnce(ctx) {
//	    if out.Matched {
//	        log.Printf("ch%d %s: %dus", out.Event.Channel, out.Event.Transition, out.Latency)
//	    }
//	}
package correlate
