// ABOUTME: Device protocol message type definitions
// ABOUTME: Every payload carries json and msgpack tags for both transports
package protocol

import (
	"fmt"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

// ProtocolVersion is the version of the device protocol we implement
const ProtocolVersion = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeDeviceHello = "device/hello"
	TypeClientTime  = "client/time"
	TypeDeviceTime  = "device/time"
	TypeLogQuery    = "log/query"
	TypeLogRecords  = "log/records"
	TypeLogClear    = "log/clear"
	TypeLogCleared  = "log/cleared"
	TypeDeviceError = "device/error"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type" msgpack:"type"`
	Payload interface{} `json:"payload" msgpack:"payload"`
}

// ClientHello opens a session
type ClientHello struct {
	ClientID string `json:"client_id" msgpack:"client_id"`
	Name     string `json:"name" msgpack:"name"`
	Version  int    `json:"version" msgpack:"version"`
}

// DeviceHello describes the device
type DeviceHello struct {
	DeviceID string `json:"device_id" msgpack:"device_id"`
	Name     string `json:"name" msgpack:"name"`
	Version  int    `json:"version" msgpack:"version"`
	Channels []int  `json:"channels" msgpack:"channels"`
	// TickUnitNs is the length of one device unit in nanoseconds
	TickUnitNs int64 `json:"tick_unit_ns" msgpack:"tick_unit_ns"`
}

// ClientTime requests a device clock reading
type ClientTime struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
}

// DeviceTime brackets the device's handling of a ClientTime
type DeviceTime struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
	DeviceLo  int64  `json:"device_lo" msgpack:"device_lo"`
	DeviceHi  int64  `json:"device_hi" msgpack:"device_hi"`
}

// LogQuery asks for records logged since the previous query
type LogQuery struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
	Channel   int    `json:"channel" msgpack:"channel"`
}

// LogRecord is one hardware event log entry
type LogRecord struct {
	Channel         int    `json:"channel" msgpack:"channel"`
	Transition      string `json:"transition" msgpack:"transition"`
	DeviceTimestamp int64  `json:"device_timestamp" msgpack:"device_timestamp"`
}

// LogRecords answers a LogQuery
type LogRecords struct {
	RequestID uint64      `json:"request_id" msgpack:"request_id"`
	Channel   int         `json:"channel" msgpack:"channel"`
	Records   []LogRecord `json:"records" msgpack:"records"`
}

// LogClear drops a channel's log; event.AllChannels clears every channel
type LogClear struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
	Channel   int    `json:"channel" msgpack:"channel"`
}

// LogCleared acknowledges a LogClear
type LogCleared struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
}

// DeviceError reports a failed request
type DeviceError struct {
	RequestID uint64 `json:"request_id" msgpack:"request_id"`
	Message   string `json:"message" msgpack:"message"`
}

// NewLogRecord converts a device record to its wire form
func NewLogRecord(rec event.DeviceRecord) LogRecord {
	return LogRecord{
		Channel:         rec.Channel,
		Transition:      rec.Transition.String(),
		DeviceTimestamp: rec.DeviceTimestamp,
	}
}

// Record converts the wire form back into a device record
func (r LogRecord) Record() (event.DeviceRecord, error) {
	tr, err := event.ParseTransition(r.Transition)
	if err != nil {
		return event.DeviceRecord{}, fmt.Errorf("record at %d: %w", r.DeviceTimestamp, err)
	}
	return event.DeviceRecord{
		Channel:         r.Channel,
		Transition:      tr,
		DeviceTimestamp: r.DeviceTimestamp,
	}, nil
}
