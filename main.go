// ABOUTME: Entry point for the latency probe
// ABOUTME: Parses CLI flags, sets up logging and runs the probe application
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/latencyprobe/latencyprobe-go/internal/app"
	"github.com/latencyprobe/latencyprobe-go/internal/config"
	"github.com/latencyprobe/latencyprobe-go/internal/logging"
	"github.com/latencyprobe/latencyprobe-go/internal/version"
	"github.com/latencyprobe/latencyprobe-go/pkg/devicesim"
)

var (
	configFile  = flag.StringP("config", "c", "", "YAML configuration file")
	deviceAddr  = flag.StringP("device", "d", "", "Device address host:port (skip mDNS)")
	serialPort  = flag.String("serial", "", "Serial port of a USB probe (selects the serial transport)")
	channels    = flag.IntSlice("channels", nil, "Channels to watch")
	simulate    = flag.Bool("simulate", false, "Use an in-process simulated device")
	autoPress   = flag.Duration("auto-press", 0, "Press simulated channels at this interval")
	simLatency  = flag.Duration("sim-latency", 8*time.Millisecond, "Host latency of the simulated device")
	simBounce   = flag.Int("sim-bounce", 0, "Bounce pairs after each simulated press")
	keepLog     = flag.Bool("keep-log", false, "Do not clear the device log on start")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.BoolP("version", "v", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	useTUI := !*noTUI

	// TUI mode: log only to file
	logOpts := logging.Options{
		File:         cfg.Log.File,
		MaxSizeMB:    cfg.Log.MaxSizeMB,
		MaxBackups:   cfg.Log.MaxBackups,
		MaxAgeDays:   cfg.Log.MaxAgeDays,
		ConsoleLevel: cfg.Log.Level,
		FileLevel:    cfg.Log.FileLevel,
		Debug:        cfg.Log.Debug,
	}
	if !useTUI {
		logOpts.Console = os.Stdout
	}
	logs := logging.New(logOpts)
	defer logs.Close()
	log := logs.Logger.WithName("probe")

	log.Info("starting", "version", version.String(), "channels", cfg.Correlate.Channels, "simulate", *simulate)

	probe := app.New(app.Config{
		Probe:    cfg,
		Simulate: *simulate,
		Sim: devicesim.Config{
			Name:        "Simulated Probe",
			HostLatency: *simLatency,
			Bounce:      *simBounce,
		},
		AutoPress: *autoPress,
		UseTUI:    useTUI,
		Logger:    log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	err = probe.Run(ctx)
	probe.Wait()
	if err != nil {
		log.Error(err, "probe failed")
		logs.Close()
		if useTUI {
			fmt.Fprintf(os.Stderr, "latencyprobe: %v\n", err)
		}
		os.Exit(1)
	}
}

// applyFlags lets explicit flags override the file and environment
func applyFlags(cfg *config.Config) {
	if flag.CommandLine.Changed("device") {
		cfg.Device.Addr = *deviceAddr
		cfg.Device.Transport = config.TransportWebSocket
	}
	if flag.CommandLine.Changed("serial") {
		cfg.Device.SerialPort = *serialPort
		cfg.Device.Transport = config.TransportSerial
	}
	if flag.CommandLine.Changed("channels") {
		cfg.Correlate.Channels = *channels
	}
	if *keepLog {
		cfg.Device.ClearOnStart = false
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	if *debug {
		cfg.Log.Debug = true
	}
}
