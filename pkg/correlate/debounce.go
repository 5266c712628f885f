// ABOUTME: Debounced on/off state for one device input channel
// ABOUTME: Models contact bounce by freezing settled times inside the window
package correlate

import "github.com/latencyprobe/latencyprobe-go/pkg/event"

// DebounceInterval is the minimum device time between opposite transitions
// before a new transition time counts as settled
const DebounceInterval = 500

// ButtonState is the settled state of one channel
type ButtonState struct {
	On          bool
	LastOnTime  int64
	LastOffTime int64

	hasOn      bool
	hasOff     bool
	appliedSeq uint64
}

// Apply feeds one record through the debounce model. The on/off flag always
// follows the record; the transition time only moves when the opposite
// transition settled at least DebounceInterval earlier. Records already
// applied (by sequence number) are ignored so replays do not double count.
func (s *ButtonState) Apply(rec event.DeviceRecord) bool {
	if rec.Seq != 0 {
		if rec.Seq <= s.appliedSeq {
			return false
		}
		s.appliedSeq = rec.Seq
	}

	settled := false
	switch rec.Transition {
	case event.Press:
		s.On = true
		if !s.hasOff || rec.DeviceTimestamp-s.LastOffTime >= DebounceInterval {
			s.LastOnTime = rec.DeviceTimestamp
			s.hasOn = true
			settled = true
		}
	case event.Release:
		s.On = false
		if !s.hasOn || rec.DeviceTimestamp-s.LastOnTime >= DebounceInterval {
			s.LastOffTime = rec.DeviceTimestamp
			s.hasOff = true
			settled = true
		}
	}
	return settled
}
