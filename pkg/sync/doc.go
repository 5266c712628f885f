// ABOUTME: Device clock synchronization package
// ABOUTME: Maps host monotonic ticks onto a device timestamp counter
// Package sync calibrates a host-to-device clock mapping from round-trip
// reads of the device counter.
//
// Each calibration keeps the tightest of several round trips, assumes the
// unexplained part of the round trip splits evenly into request transit,
// device processing and reply transit, and averages that estimate over a few
// rounds. The residual error is bounded by the excess window and is reported
// by Clock.Uncertainty.
//
// Example:
//
//	host := sync.NewMonotonicClock()
//	clock := sync.NewClock(transport, sync.WithHostClock(host))
//	if clock.Sync(ctx, 8, 4) {
//	    deviceNow := clock.ProjectDeviceTime(host.Now())
//	}
package sync
