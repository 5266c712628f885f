// ABOUTME: Version constants for the latency probe
// ABOUTME: Reported in the protocol hello, logs and metrics
package version

const (
	// Version is the software version
	Version = "0.3.0"

	// Product is the product name
	Product = "latencyprobe"

	// Manufacturer identifies who builds the probe software
	Manufacturer = "latencyprobe project"
)

// String is the product and version as reported by --version and in logs
func String() string {
	return Product + "/" + Version
}
