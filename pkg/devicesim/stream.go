// ABOUTME: Serial-style stream server for the simulated device
// ABOUTME: Answers msgpack frames on any byte stream until it fails
package devicesim

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
)

// ServeStream answers framed msgpack requests on rw. It returns when reading
// fails, typically because rw was closed.
func (d *Device) ServeStream(ctx context.Context, rw io.ReadWriter, log logr.Logger) error {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	for {
		frame, err := protocol.ReadFrame(rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		env, err := protocol.Msgpack.Decode(frame)
		if err != nil {
			log.V(1).Info("dropping undecodable frame", "error", err.Error())
			continue
		}

		resp, ok := d.respond(ctx, env)
		if !ok {
			log.V(1).Info("unknown message type", "type", env.Type)
			continue
		}

		data, err := protocol.Msgpack.Encode(resp)
		if err != nil {
			return fmt.Errorf("encode %s: %w", resp.Type, err)
		}
		if err := protocol.WriteFrame(rw, data); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
