// ABOUTME: Tests for protocol codecs and message conversion
// ABOUTME: Verifies envelope decoding for JSON and msgpack
package protocol

import (
	"bytes"
	"testing"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

func TestCodecsDecodePayload(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(Message{
				Type: TypeDeviceTime,
				Payload: DeviceTime{
					RequestID: 42,
					DeviceLo:  9007199254740000,
					DeviceHi:  9007199254740010,
				},
			})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			env, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Type != TypeDeviceTime {
				t.Errorf("expected %s, got %s", TypeDeviceTime, env.Type)
			}

			var dt DeviceTime
			if err := env.DecodePayload(&dt); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if dt.RequestID != 42 || dt.DeviceLo != 9007199254740000 || dt.DeviceHi != 9007199254740010 {
				t.Errorf("unexpected payload %+v", dt)
			}
		})
	}
}

func TestJSONWireFormat(t *testing.T) {
	data, err := JSON.Encode(Message{Type: TypeLogQuery, Payload: LogQuery{RequestID: 7, Channel: 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"log/query","payload":{"request_id":7,"channel":3}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestCodecRejectsMissingType(t *testing.T) {
	if _, err := JSON.Decode([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
	if _, err := JSON.Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestLogRecordConversion(t *testing.T) {
	rec := event.DeviceRecord{Channel: 2, Transition: event.Release, DeviceTimestamp: 1234}
	wire := NewLogRecord(rec)
	if wire.Transition != "release" {
		t.Errorf("expected release, got %s", wire.Transition)
	}

	back, err := wire.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if back != rec {
		t.Errorf("expected %+v, got %+v", rec, back)
	}

	if _, err := (LogRecord{Transition: "hold"}).Record(); err == nil {
		t.Error("expected error for unknown transition")
	}
}

func TestFrameResync(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x13, 0x37}) // line noise
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("write empty: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(frame) != "hello" {
		t.Errorf("expected hello, got %q", frame)
	}

	frame, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(frame) != 0 {
		t.Errorf("expected empty frame, got %d bytes", len(frame))
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); err == nil {
		t.Error("expected ErrFrameTooLarge")
	}
}
