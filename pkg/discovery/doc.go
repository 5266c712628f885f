// ABOUTME: mDNS service discovery package
// ABOUTME: Discover and advertise latency probe devices on the local network
// Package discovery provides mDNS service discovery for latency probe devices.
//
// Devices advertise _latencyprobe._tcp; the probe browses for them.
//
// Example:
//
//	dev, err := discovery.Discover(ctx, 10*time.Second)
//	if err == nil {
//	    fmt.Printf("Found: %s at %s\n", dev.Name, dev.Addr())
//	}
package discovery
