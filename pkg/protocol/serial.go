// ABOUTME: Serial-line client for the device protocol
// ABOUTME: Carries msgpack envelopes in length-prefixed frames over tarm/serial
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/tarm/serial"
	"go.uber.org/atomic"

	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

const (
	// FrameSync starts every serial frame
	FrameSync = 0xA5

	// MaxFrameSize is the largest payload a two byte length can carry
	MaxFrameSize = 0xFFFF

	// DefaultBaud is used when SerialConfig.Baud is zero
	DefaultBaud = 115200
)

// ErrFrameTooLarge is returned when a payload does not fit one frame
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes one sync-prefixed frame
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 3+len(payload))
	buf[0] = FrameSync
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame, skipping any bytes before a sync byte
func ReadFrame(r io.Reader) ([]byte, error) {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if b[0] == FrameSync {
			break
		}
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SerialConfig holds serial client configuration
type SerialConfig struct {
	Port     string
	Baud     int
	ClientID string
	Name     string
	Timeout  time.Duration

	HostClock clocksync.HostClock
	Logger    logr.Logger
}

// SerialClient talks to a device over a byte stream
type SerialClient struct {
	*session
	config SerialConfig
}

// OpenSerial opens the configured port and performs the handshake
func OpenSerial(ctx context.Context, config SerialConfig) (*SerialClient, error) {
	if config.Baud == 0 {
		config.Baud = DefaultBaud
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Port,
		Baud:        config.Baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Port, err)
	}

	return NewSerialClient(ctx, newPollingPort(port), config)
}

// NewSerialClient runs the protocol over an already open stream
func NewSerialClient(ctx context.Context, rw io.ReadWriteCloser, config SerialConfig) (*SerialClient, error) {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Name == "" {
		config.Name = "latencyprobe"
	}

	c := &SerialClient{
		session: newSession(Msgpack, config.HostClock, config.Timeout, config.Logger),
		config:  config,
	}

	var writeMu sync.Mutex
	read := func() ([]byte, error) { return ReadFrame(rw) }
	write := func(data []byte, _ time.Time) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(rw, data)
	}

	hello := ClientHello{
		ClientID: config.ClientID,
		Name:     config.Name,
		Version:  ProtocolVersion,
	}
	if err := c.attach(ctx, newLink(read, write, rw), hello); err != nil {
		return nil, err
	}
	return c, nil
}

// pollingPort hides the empty reads a port returns when its read timeout
// expires, until the port is closed.
type pollingPort struct {
	io.ReadWriteCloser
	closed *atomic.Bool
}

func newPollingPort(rw io.ReadWriteCloser) *pollingPort {
	return &pollingPort{ReadWriteCloser: rw, closed: atomic.NewBool(false)}
}

func (p *pollingPort) Read(b []byte) (int, error) {
	for {
		n, err := p.ReadWriteCloser.Read(b)
		if n > 0 {
			return n, nil
		}
		if p.closed.Load() {
			return 0, io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
	}
}

func (p *pollingPort) Close() error {
	p.closed.Store(true)
	return p.ReadWriteCloser.Close()
}
