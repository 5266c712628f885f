// ABOUTME: Probe configuration loaded from YAML with environment overrides
// ABOUTME: Also persists the clock skew between sessions
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "LATENCYPROBE_"

// Transports
const (
	TransportWebSocket = "websocket"
	TransportSerial    = "serial"
)

// Config is the probe configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device" envPrefix:"DEVICE_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	Correlate CorrelateConfig `yaml:"correlate" envPrefix:"CORRELATE_"`
	Listeners ListenerConfig  `yaml:"listeners" envPrefix:"LISTENERS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`

	// StateFile keeps the skew estimate across runs; empty disables it
	StateFile string `yaml:"state_file" env:"STATE_FILE"`
}

// DeviceConfig selects and reaches the probe hardware
type DeviceConfig struct {
	Transport        string        `yaml:"transport" env:"TRANSPORT"`
	Addr             string        `yaml:"addr" env:"ADDR"` // empty = mDNS discovery
	SerialPort       string        `yaml:"serial_port" env:"SERIAL_PORT"`
	Baud             int           `yaml:"baud" env:"BAUD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" env:"DISCOVERY_TIMEOUT"`
	ClearOnStart     bool          `yaml:"clear_on_start" env:"CLEAR_ON_START"`
}

// SyncConfig tunes clock calibration
type SyncConfig struct {
	Rounds       int     `yaml:"rounds" env:"ROUNDS"`
	FilterRounds int     `yaml:"filter_rounds" env:"FILTER_ROUNDS"`
	TicksToUnit  float64 `yaml:"ticks_to_unit" env:"TICKS_TO_UNIT"`
	PriorSkew    float64 `yaml:"prior_skew" env:"PRIOR_SKEW"`
	Continuous   bool    `yaml:"continuous" env:"CONTINUOUS"`

	// AdjustSkew runs on a doubling interval between these bounds
	SkewIntervalMin time.Duration `yaml:"skew_interval_min" env:"SKEW_INTERVAL_MIN"`
	SkewIntervalMax time.Duration `yaml:"skew_interval_max" env:"SKEW_INTERVAL_MAX"`
}

// CorrelateConfig tunes event matching
type CorrelateConfig struct {
	Channels   []int         `yaml:"channels" env:"CHANNELS" envSeparator:","`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// PollRate is ProcessOnce calls per second
	PollRate float64 `yaml:"poll_rate" env:"POLL_RATE"`
}

// ListenerConfig selects host input sources
type ListenerConfig struct {
	// Evdev is a /dev/input/eventN path; EvdevKeys maps key codes to channels
	Evdev     string         `yaml:"evdev" env:"EVDEV"`
	EvdevKeys map[uint16]int `yaml:"evdev_keys"`

	// Terminal reads raw keys from stdin; the i-th rune of TerminalKeys is channel i
	Terminal     bool   `yaml:"terminal" env:"TERMINAL"`
	TerminalKeys string `yaml:"terminal_keys" env:"TERMINAL_KEYS"`
}

// LogConfig configures logging
type LogConfig struct {
	Level      int    `yaml:"level" env:"LEVEL"` // logr verbosity for the console
	FileLevel  int    `yaml:"file_level" env:"FILE_LEVEL"`
	Debug      bool   `yaml:"debug" env:"DEBUG"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"` // empty disables the endpoint
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport:        TransportWebSocket,
			Baud:             115200,
			Timeout:          250 * time.Millisecond,
			DiscoveryTimeout: 10 * time.Second,
			ClearOnStart:     true,
		},
		Sync: SyncConfig{
			Rounds:          8,
			FilterRounds:    8,
			TicksToUnit:     0.001,
			SkewIntervalMin: 5 * time.Second,
			SkewIntervalMax: 5 * time.Minute,
		},
		Correlate: CorrelateConfig{
			Channels:   []int{0},
			RetryDelay: 5 * time.Millisecond,
			PollRate:   50,
		},
		Listeners: ListenerConfig{
			TerminalKeys: "1234",
		},
		Log: LogConfig{
			FileLevel:  2,
			File:       "latencyprobe.log",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		StateFile: "latencyprobe-state.yaml",
	}
}

// Load reads the YAML file at path, fills defaults and applies environment
// overrides. An empty path starts from Default.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(c, path == "")

	if err := env.Parse(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults fills zero values. Booleans only take their defaults when no
// file was read, since false is a valid setting.
func applyDefaults(c *Config, noFile bool) {
	d := Default()

	if c.Device.Transport == "" {
		c.Device.Transport = d.Device.Transport
	}
	if c.Device.Baud == 0 {
		c.Device.Baud = d.Device.Baud
	}
	if c.Device.Timeout == 0 {
		c.Device.Timeout = d.Device.Timeout
	}
	if c.Device.DiscoveryTimeout == 0 {
		c.Device.DiscoveryTimeout = d.Device.DiscoveryTimeout
	}
	if noFile {
		c.Device.ClearOnStart = d.Device.ClearOnStart
		c.StateFile = d.StateFile
	}

	if c.Sync.Rounds == 0 {
		c.Sync.Rounds = d.Sync.Rounds
	}
	if c.Sync.FilterRounds == 0 {
		c.Sync.FilterRounds = d.Sync.FilterRounds
	}
	if c.Sync.TicksToUnit == 0 {
		c.Sync.TicksToUnit = d.Sync.TicksToUnit
	}
	if c.Sync.SkewIntervalMin == 0 {
		c.Sync.SkewIntervalMin = d.Sync.SkewIntervalMin
	}
	if c.Sync.SkewIntervalMax == 0 {
		c.Sync.SkewIntervalMax = d.Sync.SkewIntervalMax
	}

	if len(c.Correlate.Channels) == 0 {
		c.Correlate.Channels = d.Correlate.Channels
	}
	if c.Correlate.RetryDelay == 0 {
		c.Correlate.RetryDelay = d.Correlate.RetryDelay
	}
	if c.Correlate.PollRate == 0 {
		c.Correlate.PollRate = d.Correlate.PollRate
	}

	if c.Listeners.TerminalKeys == "" {
		c.Listeners.TerminalKeys = d.Listeners.TerminalKeys
	}

	if c.Log.File == "" {
		c.Log.File = d.Log.File
	}
	if c.Log.FileLevel == 0 {
		c.Log.FileLevel = d.Log.FileLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = d.Log.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = d.Log.MaxAgeDays
	}
}

// Validate rejects settings the probe cannot run with
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case TransportWebSocket:
	case TransportSerial:
		if c.Device.SerialPort == "" {
			return fmt.Errorf("serial transport needs device.serial_port")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Device.Transport)
	}
	if c.Sync.Rounds < 1 || c.Sync.FilterRounds < 1 {
		return fmt.Errorf("sync rounds must be positive")
	}
	if c.Sync.TicksToUnit <= 0 {
		return fmt.Errorf("sync.ticks_to_unit must be positive")
	}
	if c.Sync.SkewIntervalMax < c.Sync.SkewIntervalMin {
		return fmt.Errorf("sync.skew_interval_max below skew_interval_min")
	}
	if len(c.Correlate.Channels) == 0 {
		return fmt.Errorf("no channels to watch")
	}
	if c.Correlate.PollRate <= 0 {
		return fmt.Errorf("correlate.poll_rate must be positive")
	}
	return nil
}

// State is carried between sessions
type State struct {
	DeviceID string    `yaml:"device_id"`
	Skew     float64   `yaml:"skew"`
	SavedAt  time.Time `yaml:"saved_at"`
}

// LoadState reads saved state; a missing file yields a zero State
func LoadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

// SaveState writes state atomically
func SaveState(path string, st State) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
