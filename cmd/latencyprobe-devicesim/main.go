// ABOUTME: Entry point for the simulated probe device
// ABOUTME: Serves the device over WebSocket and optionally a serial port
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"
	"github.com/tarm/serial"

	"github.com/latencyprobe/latencyprobe-go/internal/listener"
	"github.com/latencyprobe/latencyprobe-go/internal/logging"
	"github.com/latencyprobe/latencyprobe-go/pkg/devicesim"
	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

var (
	port          = flag.IntP("port", "p", 8930, "WebSocket server port")
	name          = flag.String("name", "", "Device friendly name (default: hostname-probe)")
	channels      = flag.IntSlice("channels", []int{0, 1, 2, 3}, "Channels the device exposes")
	offset        = flag.Int64("offset", 1_000_000_000, "Device clock at start, in microseconds")
	skew          = flag.Float64("skew", 25e-6, "Device clock rate error (25e-6 = 25 ppm fast)")
	jitter        = flag.Duration("jitter", 200*time.Microsecond, "Maximum clock request processing time")
	bounce        = flag.Int("bounce", 2, "Bounce pairs after each press")
	serialPort    = flag.String("serial", "", "Also serve framed msgpack on this serial port")
	baud          = flag.Int("baud", 115200, "Serial baud rate")
	pressInterval = flag.Duration("press-interval", 0, "Press channels in turn at this interval")
	keys          = flag.String("keys", "1234", "Keys that press channels when stdin is a terminal")
	noMDNS        = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	logFile       = flag.String("log-file", "latencyprobe-devicesim.log", "Log file path")
	debug         = flag.Bool("debug", false, "Enable debug logging")
)

// pressDevice turns listener events into device transitions
type pressDevice struct {
	dev *devicesim.Device
	log logr.Logger
}

func (p pressDevice) Enqueue(ev event.HostEvent) {
	ts, err := p.dev.Press(ev.Channel)
	if err != nil {
		p.log.Error(err, "press", "channel", ev.Channel)
		return
	}
	p.log.Info("press", "channel", ev.Channel, "deviceTime", ts)
	time.AfterFunc(80*time.Millisecond, func() { p.dev.Release(ev.Channel) })
}

func main() {
	flag.Parse()

	logs := logging.New(logging.Options{
		Console:    os.Stdout,
		File:       *logFile,
		MaxSizeMB:  20,
		MaxBackups: 2,
		FileLevel:  2,
		Debug:      *debug,
	})
	defer logs.Close()
	log := logs.Logger.WithName("devicesim")

	deviceName := *name
	if deviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		deviceName = fmt.Sprintf("%s-probe", hostname)
	}

	host := clocksync.NewMonotonicClock()
	dev := devicesim.NewWithHost(devicesim.Config{
		Name:     deviceName,
		Channels: *channels,
		Offset:   *offset,
		Skew:     *skew,
		Jitter:   *jitter,
		Bounce:   *bounce,
	}, host)
	defer dev.Close()

	srv, err := devicesim.NewServer(devicesim.ServerConfig{
		Port:       *port,
		Device:     dev,
		EnableMDNS: !*noMDNS,
		Logger:     log,
	})
	if err != nil {
		log.Error(err, "creating server")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if *serialPort != "" {
		go serveSerial(ctx, dev, log.WithName("serial"))
	}

	presser := pressDevice{dev: dev, log: log}
	if *pressInterval > 0 {
		go pressLoop(ctx, dev, *pressInterval, presser)
	}

	term := listener.NewTerminal(os.Stdin, listener.KeyChannels(*keys, *channels), host, presser, log.WithName("keys"))
	go func() {
		err := term.Run(ctx)
		if errors.Is(err, listener.ErrInterrupted) {
			cancel()
			return
		}
		if err != nil {
			log.V(1).Info("keyboard input stopped", "reason", err.Error())
		}
	}()

	log.Info("press keys to trigger channels, Ctrl-C to stop", "keys", *keys)
	if err := srv.Serve(ctx); err != nil {
		log.Error(err, "server error")
		os.Exit(1)
	}
}

// serveSerial answers framed requests on a serial port until ctx is done
func serveSerial(ctx context.Context, dev *devicesim.Device, log logr.Logger) {
	p, err := serial.OpenPort(&serial.Config{Name: *serialPort, Baud: *baud})
	if err != nil {
		log.Error(err, "opening serial port", "port", *serialPort)
		return
	}
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	log.Info("serving serial", "port", *serialPort, "baud", *baud)
	if err := dev.ServeStream(ctx, p, log); err != nil && ctx.Err() == nil {
		log.Error(err, "serial stream")
	}
}

// pressLoop presses each channel in turn
func pressLoop(ctx context.Context, dev *devicesim.Device, interval time.Duration, presser pressDevice) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chs := dev.Channels()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			presser.Enqueue(event.HostEvent{Channel: chs[i%len(chs)], Transition: event.Press})
		case <-ctx.Done():
			return
		}
	}
}
