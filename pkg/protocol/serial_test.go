// ABOUTME: Tests for the serial client over an in-memory pipe
// ABOUTME: A scripted device answers msgpack frames
package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

type tickHost struct{ now int64 }

func (h *tickHost) Now() int64 {
	h.now += 100
	return h.now
}

// fakeDevice answers requests on the far end of a pipe
func fakeDevice(t *testing.T, conn net.Conn, handle func(env Envelope) []Message) {
	t.Helper()
	go func() {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			env, err := Msgpack.Decode(frame)
			if err != nil {
				t.Errorf("device decode: %v", err)
				return
			}
			for _, msg := range handle(env) {
				data, err := Msgpack.Encode(msg)
				if err != nil {
					t.Errorf("device encode: %v", err)
					return
				}
				if err := WriteFrame(conn, data); err != nil {
					return
				}
			}
		}
	}()
}

func scriptedDevice(env Envelope) []Message {
	switch env.Type {
	case TypeClientHello:
		return []Message{{Type: TypeDeviceHello, Payload: DeviceHello{
			DeviceID: "dev-1", Name: "bench", Version: ProtocolVersion,
			Channels: []int{0, 1}, TickUnitNs: 1000,
		}}}
	case TypeClientTime:
		var req ClientTime
		env.DecodePayload(&req)
		return []Message{
			// stale answer to an earlier request comes first
			{Type: TypeDeviceTime, Payload: DeviceTime{RequestID: req.RequestID + 1000, DeviceLo: 1, DeviceHi: 2}},
			{Type: TypeDeviceTime, Payload: DeviceTime{RequestID: req.RequestID, DeviceLo: 5000, DeviceHi: 5010}},
		}
	case TypeLogQuery:
		var req LogQuery
		env.DecodePayload(&req)
		if req.Channel == 9 {
			return []Message{{Type: TypeDeviceError, Payload: DeviceError{RequestID: req.RequestID, Message: "no such channel"}}}
		}
		return []Message{{Type: TypeLogRecords, Payload: LogRecords{
			RequestID: req.RequestID,
			Channel:   req.Channel,
			Records: []LogRecord{
				{Channel: req.Channel, Transition: "press", DeviceTimestamp: 100},
				{Channel: req.Channel, Transition: "bogus", DeviceTimestamp: 150},
				{Channel: req.Channel, Transition: "release", DeviceTimestamp: 200},
			},
		}}}
	}
	// log/clear is never answered
	return nil
}

func newPipeClient(t *testing.T) *SerialClient {
	t.Helper()
	host, dev := net.Pipe()
	fakeDevice(t, dev, scriptedDevice)
	t.Cleanup(func() { dev.Close() })

	client, err := NewSerialClient(context.Background(), host, SerialConfig{
		HostClock: &tickHost{},
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSerialHandshake(t *testing.T) {
	client := newPipeClient(t)

	dev := client.Device()
	if dev.DeviceID != "dev-1" || len(dev.Channels) != 2 {
		t.Errorf("unexpected device hello %+v", dev)
	}
	if client.DeviceUnit() != time.Microsecond {
		t.Errorf("expected 1µs device unit, got %v", client.DeviceUnit())
	}
	if !client.IsConnected() {
		t.Error("expected connected")
	}
}

func TestSerialReadClockSkipsStaleResponse(t *testing.T) {
	client := newPipeClient(t)

	sample, err := client.ReadClock(context.Background())
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}
	if sample.DeviceLo != 5000 || sample.DeviceHi != 5010 {
		t.Errorf("expected matching response, got %+v", sample)
	}
	if sample.HostRecv <= sample.HostSend {
		t.Errorf("host window must be positive: %+v", sample)
	}
}

func TestSerialQueryLog(t *testing.T) {
	client := newPipeClient(t)

	recs, err := client.QueryLog(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected malformed record to be skipped, got %d records", len(recs))
	}
	if recs[0].Transition != event.Press || recs[1].Transition != event.Release {
		t.Errorf("unexpected records %+v", recs)
	}
	if recs[1].Channel != 1 || recs[1].DeviceTimestamp != 200 {
		t.Errorf("unexpected record %+v", recs[1])
	}
}

func TestSerialDeviceError(t *testing.T) {
	client := newPipeClient(t)

	_, err := client.QueryLog(context.Background(), 9)
	if !errors.Is(err, ErrDevice) {
		t.Errorf("expected ErrDevice, got %v", err)
	}
}

func TestSerialTimeout(t *testing.T) {
	client := newPipeClient(t)

	err := client.ClearLog(context.Background(), event.AllChannels)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	// The session stays usable after a timeout
	if _, err := client.QueryLog(context.Background(), 0); err != nil {
		t.Errorf("query after timeout: %v", err)
	}
}

// lateLogDevice holds its first log reply back until the next request
// arrives, as a slow device would after the host has given up.
func lateLogDevice() func(env Envelope) []Message {
	var held []Message
	first := true
	return func(env Envelope) []Message {
		out := held
		held = nil

		switch env.Type {
		case TypeLogQuery:
			var req LogQuery
			env.DecodePayload(&req)
			reply := Message{Type: TypeLogRecords, Payload: LogRecords{
				RequestID: req.RequestID,
				Channel:   req.Channel,
				Records:   []LogRecord{{Channel: req.Channel, Transition: "release", DeviceTimestamp: 300}},
			}}
			if first {
				first = false
				reply.Payload = LogRecords{
					RequestID: req.RequestID,
					Channel:   req.Channel,
					Records:   []LogRecord{{Channel: req.Channel, Transition: "press", DeviceTimestamp: 100}},
				}
				held = []Message{reply}
				return out
			}
			return append(out, reply)
		case TypeLogClear:
			var req LogClear
			env.DecodePayload(&req)
			return append(out, Message{Type: TypeLogCleared, Payload: LogCleared{RequestID: req.RequestID}})
		}
		return append(out, scriptedDevice(env)...)
	}
}

func newLateLogClient(t *testing.T) *SerialClient {
	t.Helper()
	host, dev := net.Pipe()
	fakeDevice(t, dev, lateLogDevice())
	t.Cleanup(func() { dev.Close() })

	client, err := NewSerialClient(context.Background(), host, SerialConfig{
		HostClock: &tickHost{},
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLateLogRecordsReturnedWithNextQuery(t *testing.T) {
	client := newLateLogClient(t)

	if _, err := client.QueryLog(context.Background(), 2); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	recs, err := client.QueryLog(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected late and fresh records, got %+v", recs)
	}
	if recs[0].Transition != event.Press || recs[0].DeviceTimestamp != 100 {
		t.Errorf("expected late press first, got %+v", recs[0])
	}
	if recs[1].Transition != event.Release || recs[1].DeviceTimestamp != 300 {
		t.Errorf("expected fresh release second, got %+v", recs[1])
	}
}

func TestLateLogRecordsSurviveOtherRequests(t *testing.T) {
	client := newLateLogClient(t)

	if _, err := client.QueryLog(context.Background(), 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The late reply arrives while a clock read is in flight
	if _, err := client.ReadClock(context.Background()); err != nil {
		t.Fatalf("read clock: %v", err)
	}

	other, err := client.QueryLog(context.Background(), 0)
	if err != nil {
		t.Fatalf("query channel 0: %v", err)
	}
	if len(other) != 1 || other[0].DeviceTimestamp != 300 {
		t.Errorf("late records leaked into another channel: %+v", other)
	}

	recs, err := client.QueryLog(context.Background(), 1)
	if err != nil {
		t.Fatalf("query channel 1: %v", err)
	}
	if len(recs) != 2 || recs[0].DeviceTimestamp != 100 {
		t.Errorf("expected carried record first, got %+v", recs)
	}
}

func TestClearLogDropsLateRecords(t *testing.T) {
	client := newLateLogClient(t)

	if _, err := client.QueryLog(context.Background(), 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err := client.ClearLog(context.Background(), event.AllChannels); err != nil {
		t.Fatalf("clear: %v", err)
	}

	recs, err := client.QueryLog(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 || recs[0].DeviceTimestamp != 300 {
		t.Errorf("expected only the fresh record after clear, got %+v", recs)
	}
}

func TestClosedClient(t *testing.T) {
	client := newPipeClient(t)
	client.Close()

	if _, err := client.ReadClock(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	client := newPipeClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.ReadClock(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
