// ABOUTME: Request/response session over a device link
// ABOUTME: Implements clock reads and hardware log queries for both transports
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

// DefaultTimeout bounds each request/response exchange
const DefaultTimeout = 250 * time.Millisecond

// session runs one request at a time over a link
type session struct {
	mu      sync.Mutex
	link    *link
	codec   Codec
	host    clocksync.HostClock
	timeout time.Duration
	nextID  uint64
	device  DeviceHello
	log     logr.Logger

	// Log replies that arrived after their request gave up. The device has
	// already forgotten these records, so they go out with the next query.
	late map[int][]LogRecord
}

func newSession(codec Codec, host clocksync.HostClock, timeout time.Duration, log logr.Logger) *session {
	if host == nil {
		host = clocksync.NewMonotonicClock()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &session{codec: codec, host: host, timeout: timeout, log: log, late: make(map[int][]LogRecord)}
}

// attach installs a link and performs the hello exchange
func (s *session) attach(ctx context.Context, l *link, hello ClientHello) error {
	s.mu.Lock()
	if s.link != nil {
		s.link.close()
	}
	s.link = l
	s.mu.Unlock()

	var device DeviceHello
	if _, _, err := s.roundTrip(ctx, TypeClientHello, 0, hello, TypeDeviceHello, &device); err != nil {
		s.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()

	s.log.Info("device connected",
		"device", device.Name,
		"id", device.DeviceID,
		"version", device.Version,
		"channels", device.Channels,
		"codec", s.codec.Name())
	return nil
}

// roundTrip sends one request and waits for its response. A zero id skips
// request matching. Responses to earlier, timed-out requests are discarded.
func (s *session) roundTrip(ctx context.Context, reqType string, id uint64, req interface{}, respType string, resp interface{}) (sent, recv int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil || !s.link.alive() {
		return 0, 0, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	data, err := s.codec.Encode(Message{Type: reqType, Payload: req})
	if err != nil {
		return 0, 0, fmt.Errorf("encode %s: %w", reqType, err)
	}

	sent = s.host.Now()
	if err := s.link.write(data, deadline); err != nil {
		return 0, 0, fmt.Errorf("send %s: %w", reqType, err)
	}

	for {
		frame, err := s.link.recv(deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return 0, 0, fmt.Errorf("%s: %w", reqType, ErrTimeout)
			}
			return 0, 0, fmt.Errorf("read %s: %w", respType, err)
		}
		recv = s.host.Now()

		env, err := s.codec.Decode(frame)
		if err != nil {
			s.log.V(1).Info("dropping undecodable frame", "error", err.Error())
			continue
		}

		if env.Type == TypeDeviceError {
			var devErr DeviceError
			if err := env.DecodePayload(&devErr); err == nil && (id == 0 || devErr.RequestID == id) {
				return 0, 0, fmt.Errorf("%s: %w: %s", reqType, ErrDevice, devErr.Message)
			}
			continue
		}

		if env.Type != respType {
			s.keepLateRecords(env)
			s.log.V(2).Info("skipping unexpected message", "type", env.Type, "want", respType)
			continue
		}

		if id != 0 {
			var hdr struct {
				RequestID uint64 `json:"request_id" msgpack:"request_id"`
			}
			if err := env.DecodePayload(&hdr); err != nil || hdr.RequestID != id {
				s.keepLateRecords(env)
				s.log.V(2).Info("skipping stale response", "type", env.Type, "id", hdr.RequestID, "want", id)
				continue
			}
		}

		if err := env.DecodePayload(resp); err != nil {
			return 0, 0, err
		}
		return sent, recv, nil
	}
}

// keepLateRecords holds on to a log reply nobody is waiting for. Caller
// holds s.mu.
func (s *session) keepLateRecords(env Envelope) {
	if env.Type != TypeLogRecords {
		return
	}
	var lr LogRecords
	if err := env.DecodePayload(&lr); err != nil || len(lr.Records) == 0 {
		return
	}
	s.late[lr.Channel] = append(s.late[lr.Channel], lr.Records...)
	s.log.V(1).Info("keeping late log records", "channel", lr.Channel, "records", len(lr.Records))
}

func (s *session) requestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// ReadClock performs one clock round trip bracketed by host ticks
func (s *session) ReadClock(ctx context.Context) (clocksync.ClockSample, error) {
	id := s.requestID()

	var resp DeviceTime
	sent, recv, err := s.roundTrip(ctx, TypeClientTime, id, ClientTime{RequestID: id}, TypeDeviceTime, &resp)
	if err != nil {
		return clocksync.ClockSample{}, err
	}

	return clocksync.ClockSample{
		HostSend: sent,
		HostRecv: recv,
		DeviceLo: resp.DeviceLo,
		DeviceHi: resp.DeviceHi,
	}, nil
}

// QueryLog fetches records logged on a channel since the previous query
func (s *session) QueryLog(ctx context.Context, channel int) ([]event.DeviceRecord, error) {
	id := s.requestID()

	var resp LogRecords
	if _, _, err := s.roundTrip(ctx, TypeLogQuery, id, LogQuery{RequestID: id, Channel: channel}, TypeLogRecords, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	wires := append(s.late[channel], resp.Records...)
	delete(s.late, channel)
	s.mu.Unlock()

	recs := make([]event.DeviceRecord, 0, len(wires))
	for _, wire := range wires {
		rec, err := wire.Record()
		if err != nil {
			s.log.V(1).Info("skipping malformed log record", "channel", channel, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ClearLog drops a channel's log, or all of them for event.AllChannels
func (s *session) ClearLog(ctx context.Context, channel int) error {
	id := s.requestID()

	var resp LogCleared
	if _, _, err := s.roundTrip(ctx, TypeLogClear, id, LogClear{RequestID: id, Channel: channel}, TypeLogCleared, &resp); err != nil {
		return err
	}

	s.mu.Lock()
	if channel == event.AllChannels {
		s.late = make(map[int][]LogRecord)
	} else {
		delete(s.late, channel)
	}
	s.mu.Unlock()
	return nil
}

// Device returns the device's hello
func (s *session) Device() DeviceHello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// DeviceUnit returns the length of one device unit
func (s *session) DeviceUnit() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device.TickUnitNs <= 0 {
		return time.Microsecond
	}
	return time.Duration(s.device.TickUnitNs)
}

// IsConnected returns connection status
func (s *session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.link.alive()
}

// Close closes the link
func (s *session) Close() error {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	s.log.V(1).Info("connection closed")
	return l.close()
}
