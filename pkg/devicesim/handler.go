// ABOUTME: Device-side protocol request handling
// ABOUTME: Shared by the WebSocket server and the serial stream server
package devicesim

import (
	"context"

	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
)

// respond answers one request; ok is false for messages that get no reply
func (d *Device) respond(ctx context.Context, env protocol.Envelope) (msg protocol.Message, ok bool) {
	switch env.Type {
	case protocol.TypeClientHello:
		return protocol.Message{Type: protocol.TypeDeviceHello, Payload: d.Hello()}, true

	case protocol.TypeClientTime:
		var req protocol.ClientTime
		if err := env.DecodePayload(&req); err != nil {
			return deviceError(0, err.Error()), true
		}
		lo, hi := d.ReadTime()
		return protocol.Message{Type: protocol.TypeDeviceTime, Payload: protocol.DeviceTime{
			RequestID: req.RequestID,
			DeviceLo:  lo,
			DeviceHi:  hi,
		}}, true

	case protocol.TypeLogQuery:
		var req protocol.LogQuery
		if err := env.DecodePayload(&req); err != nil {
			return deviceError(0, err.Error()), true
		}
		recs, err := d.QueryLog(ctx, req.Channel)
		if err != nil {
			return deviceError(req.RequestID, err.Error()), true
		}
		wire := make([]protocol.LogRecord, len(recs))
		for i, rec := range recs {
			wire[i] = protocol.NewLogRecord(rec)
		}
		return protocol.Message{Type: protocol.TypeLogRecords, Payload: protocol.LogRecords{
			RequestID: req.RequestID,
			Channel:   req.Channel,
			Records:   wire,
		}}, true

	case protocol.TypeLogClear:
		var req protocol.LogClear
		if err := env.DecodePayload(&req); err != nil {
			return deviceError(0, err.Error()), true
		}
		if err := d.ClearLog(ctx, req.Channel); err != nil {
			return deviceError(req.RequestID, err.Error()), true
		}
		return protocol.Message{Type: protocol.TypeLogCleared, Payload: protocol.LogCleared{RequestID: req.RequestID}}, true
	}

	return protocol.Message{}, false
}

func deviceError(id uint64, message string) protocol.Message {
	return protocol.Message{Type: protocol.TypeDeviceError, Payload: protocol.DeviceError{RequestID: id, Message: message}}
}
