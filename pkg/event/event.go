// ABOUTME: Input transition types shared by host listeners and the correlator
// ABOUTME: Defines host-observed events and device hardware log records
package event

import "fmt"

// AllChannels addresses every channel in ClearLog requests
const AllChannels = -1

// Transition is the direction of a button state change
type Transition int

const (
	Press Transition = iota
	Release
)

// Opposite returns the other transition type
func (t Transition) Opposite() Transition {
	if t == Press {
		return Release
	}
	return Press
}

func (t Transition) String() string {
	switch t {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// ParseTransition converts the wire name back into a Transition
func ParseTransition(s string) (Transition, error) {
	switch s {
	case "press":
		return Press, nil
	case "release":
		return Release, nil
	}
	return 0, fmt.Errorf("unknown transition %q", s)
}

// HostEvent is an input transition observed by host software
type HostEvent struct {
	Channel         int
	Transition      Transition
	HostTimestamp   int64 // host ticks
	DeviceTimestamp int64 // device-embedded timestamp, 0 if the report had none
	Source          string
}

// DeviceRecord is one entry of the device hardware event log
type DeviceRecord struct {
	Channel         int
	Transition      Transition
	DeviceTimestamp int64 // device units

	// Seq is assigned when the record enters a correlator buffer.
	Seq uint64
}
