// ABOUTME: Clock sync diagnostic for probe devices
// ABOUTME: Repeats calibration and reports uncertainty, drift and skew
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"

	"github.com/latencyprobe/latencyprobe-go/internal/logging"
	"github.com/latencyprobe/latencyprobe-go/pkg/discovery"
	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

var (
	deviceAddr   = flag.StringP("device", "d", "", "Device address host:port (default: mDNS discovery)")
	serialPort   = flag.String("serial", "", "Serial port of a USB probe")
	rounds       = flag.Int("rounds", 8, "Averaging rounds per sync")
	filterRounds = flag.Int("filter-rounds", 8, "Samples per round; the tightest sane one is kept")
	interval     = flag.Duration("interval", 2*time.Second, "Pause between syncs")
	count        = flag.Int("count", 10, "Number of syncs (0 = until interrupted)")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

type device interface {
	clocksync.Transport
	Close() error
}

func main() {
	flag.Parse()

	logs := logging.New(logging.Options{Console: os.Stderr, Debug: *debug})
	defer logs.Close()
	log := logs.Logger.WithName("synccheck")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host := clocksync.NewMonotonicClock()
	dev, err := connect(ctx, host, log)
	if err != nil {
		log.Error(err, "connect")
		os.Exit(1)
	}
	defer dev.Close()

	clock := clocksync.NewClock(dev, clocksync.WithHostClock(host), clocksync.WithLogger(log.WithName("clock")))

	fmt.Printf("%4s %14s %12s %12s %10s\n", "#", "device(µs)", "uncert(µs)", "drift(µs)", "skew(ppm)")

	var last clocksync.SyncPoint
	for i := 1; *count == 0 || i <= *count; i++ {
		r := checkRound(ctx, clock, host, last, *rounds, *filterRounds)
		if !r.ok {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("%4d %14s\n", i, "sync failed")
		} else {
			drift := "-"
			if last.Valid {
				drift = fmt.Sprintf("%+d", r.drift)
			}
			fmt.Printf("%4d %14d %12.1f %12s %10.2f\n", i, r.point.DeviceReference, r.point.Uncertainty, drift, r.skew*1e6)
			last = r.point
		}

		select {
		case <-time.After(*interval):
		case <-ctx.Done():
			return
		}
	}
}

// roundResult is one line of the report
type roundResult struct {
	ok       bool
	adjusted bool
	point    clocksync.SyncPoint
	drift    int64
	skew     float64
}

// checkRound re-estimates skew over the span since the previous Sync, then
// measures how far that calibration had drifted and recalibrates.
func checkRound(ctx context.Context, clock *clocksync.Clock, host clocksync.HostClock, last clocksync.SyncPoint, rounds, filterRounds int) roundResult {
	var r roundResult
	if last.Valid {
		r.adjusted = clock.AdjustSkew(ctx, rounds, filterRounds)
	}

	// Where the previous calibration puts the device right now
	t0 := host.Now()
	predicted := clock.ProjectDeviceTime(t0)

	if !clock.Sync(ctx, rounds, filterRounds) {
		return r
	}
	r.ok = true
	r.point = clock.SyncPoint()
	r.drift = clock.ProjectDeviceTime(t0) - predicted
	r.skew = clock.Skew()
	return r
}

func connect(ctx context.Context, host clocksync.HostClock, log logr.Logger) (device, error) {
	if *serialPort != "" {
		return protocol.OpenSerial(ctx, protocol.SerialConfig{
			Port:      *serialPort,
			Name:      "synccheck",
			HostClock: host,
			Logger:    log.WithName("serial"),
		})
	}

	addr, path := *deviceAddr, ""
	if addr == "" {
		info, err := discovery.Discover(ctx, 10*time.Second, log.WithName("discovery"))
		if err != nil {
			return nil, err
		}
		addr, path = info.Addr(), info.Path
	}

	c := protocol.NewClient(protocol.Config{
		Addr:      addr,
		Path:      path,
		Name:      "synccheck",
		HostClock: host,
		Logger:    log.WithName("client"),
	})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
