// ABOUTME: Per-channel deque of device log records
// ABOUTME: Supports replaying unconsumed records back onto the front
package correlate

import "github.com/latencyprobe/latencyprobe-go/pkg/event"

// RecordBuffer holds one channel's device records in device time order
type RecordBuffer struct {
	items []event.DeviceRecord
}

// PushBack appends newly fetched records
func (b *RecordBuffer) PushBack(recs ...event.DeviceRecord) {
	b.items = append(b.items, recs...)
}

// PushFront puts records back at the front, keeping their order
func (b *RecordBuffer) PushFront(recs ...event.DeviceRecord) {
	if len(recs) == 0 {
		return
	}
	items := make([]event.DeviceRecord, 0, len(recs)+len(b.items))
	items = append(items, recs...)
	b.items = append(items, b.items...)
}

// PopFront removes and returns the oldest record
func (b *RecordBuffer) PopFront() (event.DeviceRecord, bool) {
	if len(b.items) == 0 {
		return event.DeviceRecord{}, false
	}
	rec := b.items[0]
	b.items = b.items[1:]
	return rec, true
}

// PeekFront returns the oldest record without removing it
func (b *RecordBuffer) PeekFront() (event.DeviceRecord, bool) {
	if len(b.items) == 0 {
		return event.DeviceRecord{}, false
	}
	return b.items[0], true
}

// Len returns the number of buffered records
func (b *RecordBuffer) Len() int {
	return len(b.items)
}
