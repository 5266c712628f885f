// ABOUTME: mDNS service discovery for latency probe devices
// ABOUTME: Handles both advertisement (device side) and browsing (probe side)
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service devices advertise
const ServiceType = "_latencyprobe._tcp"

// ErrNoDevice is returned when browsing finds nothing before the timeout
var ErrNoDevice = errors.New("no device found")

const queryTimeout = 3 * time.Second

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string
	Channels    []int
	Logger      logr.Logger
}

// Manager advertises a device or browses for devices until Stop
type Manager struct {
	config   Config
	devices  chan *DeviceInfo
	log      logr.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// DeviceInfo describes a discovered device
type DeviceInfo struct {
	Name     string
	Host     string
	Port     int
	Path     string
	Channels []int
}

// Addr returns host:port
func (d *DeviceInfo) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	return &Manager{
		config:  config,
		devices: make(chan *DeviceInfo, 10),
		log:     config.Logger,
		done:    make(chan struct{}),
	}
}

// Advertise announces this device via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := advertiseIPs()
	if err != nil {
		return fmt.Errorf("local addresses: %w", err)
	}

	zone, err := mdns.NewMDNSService(m.config.ServiceName, ServiceType, "", "", m.config.Port, ips, txtRecords(m.config))
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	responder, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("mdns responder: %w", err)
	}

	m.log.Info("advertising device", "name", m.config.ServiceName, "port", m.config.Port, "ips", len(ips))
	go func() {
		<-m.done
		responder.Shutdown()
	}()
	return nil
}

// Browse queries for devices in rounds until Stop. Each device is reported
// once, the first time it answers.
func (m *Manager) Browse() {
	go func() {
		seen := make(map[string]bool)
		for !m.stopped() {
			for _, dev := range m.queryRound() {
				if seen[dev.Name] {
					continue
				}
				seen[dev.Name] = true
				m.log.Info("discovered device", "name", dev.Name, "addr", dev.Addr(), "channels", dev.Channels)

				select {
				case m.devices <- dev:
				case <-m.done:
					return
				}
			}
		}
	}()
}

// queryRound runs one mDNS query and collects the answers
func (m *Manager) queryRound() []*DeviceInfo {
	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan []*DeviceInfo, 1)

	go func() {
		var found []*DeviceInfo
		for entry := range entries {
			if dev := fromEntry(entry); dev != nil {
				found = append(found, dev)
			}
		}
		collected <- found
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Timeout = queryTimeout
	params.Entries = entries
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		m.log.V(1).Info("mDNS query failed", "error", err.Error())
	}
	close(entries)

	return <-collected
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Devices delivers each newly discovered device
func (m *Manager) Devices() <-chan *DeviceInfo {
	return m.devices
}

// Stop ends advertising and browsing; safe to call more than once
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Discover browses until the first device answers or the timeout expires
func Discover(ctx context.Context, timeout time.Duration, log logr.Logger) (*DeviceInfo, error) {
	m := NewManager(Config{Logger: log})
	defer m.Stop()
	m.Browse()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dev := <-m.Devices():
		return dev, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrNoDevice, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func txtRecords(c Config) []string {
	path := c.Path
	if path == "" {
		path = "/latencyprobe"
	}
	txt := []string{"path=" + path}
	if len(c.Channels) > 0 {
		chans := make([]string, len(c.Channels))
		for i, ch := range c.Channels {
			chans[i] = strconv.Itoa(ch)
		}
		txt = append(txt, "channels="+strings.Join(chans, ","))
	}
	return txt
}

// fromEntry converts an mDNS answer; entries without an IPv4 address are skipped
func fromEntry(entry *mdns.ServiceEntry) *DeviceInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}

	dev := &DeviceInfo{
		Name: entry.Name,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: "/latencyprobe",
	}
	parseTXT(dev, entry.InfoFields)
	return dev
}

func parseTXT(dev *DeviceInfo, fields []string) {
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			dev.Path = value
		case "channels":
			dev.Channels = dev.Channels[:0]
			for _, s := range strings.Split(value, ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					dev.Channels = append(dev.Channels, n)
				}
			}
		}
	}
}

// advertiseIPs lists the IPv4 addresses probes on the LAN can reach
func advertiseIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && usableIPv4(ipnet.IP) {
			ips = append(ips, ipnet.IP.To4())
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable IPv4 address")
	}
	return ips, nil
}

func usableIPv4(ip net.IP) bool {
	return ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}
