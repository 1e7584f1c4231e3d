package hw

import "math"

// TimeUnknown marks a buffer timestamp that carries no value.
const TimeUnknown int64 = math.MinInt64

// Event identifies what a buffer delivered on a port callback carries.
// EventNone is an ordinary data buffer.
type Event uint32

// Buffer event kinds.
const (
	EventNone Event = iota
	EventError
	EventFormatChanged
	EventEOS
	EventParameterChanged
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "data"
	case EventError:
		return "error"
	case EventFormatChanged:
		return "format-changed"
	case EventEOS:
		return "eos"
	case EventParameterChanged:
		return "parameter-changed"
	default:
		return "unknown"
	}
}

// BufferFlags annotate the payload of a data buffer.
type BufferFlags uint32

// Buffer flags.
const (
	FlagEOS BufferFlags = 1 << iota
	FlagFrameStart
	FlagFrameEnd
	FlagKeyframe
	FlagDiscontinuity
	FlagConfig
	FlagCorrupted
	FlagDecodeOnly
)

// Has reports whether all bits in f are set.
func (b BufferFlags) Has(f BufferFlags) bool { return b&f == f }

// Buffer is a buffer header exchanged between the client and a port.
// Data is the full allocation; the valid payload is Data[:Length].
//
// A buffer belongs to at most one party at a time: the pool free list, the
// hardware (after Send) or the client (after a callback or a pool Get).
type Buffer struct {
	Data     []byte
	Length   int
	Cmd      Event
	Flags    BufferFlags
	PTS      int64 // microseconds, TimeUnknown if unset
	DTS      int64 // microseconds, TimeUnknown if unset
	UserData any

	// Status is set on EventError buffers.
	Status Status
	// Changed is set on EventFormatChanged buffers.
	Changed *Format

	pool *Pool
}

// NewBuffer allocates a standalone buffer of the given size that is not
// owned by any pool. Hardware implementations use these for events.
func NewBuffer(size int) *Buffer {
	b := &Buffer{Data: make([]byte, size)}
	b.Reset()
	return b
}

// AllocSize is the capacity of the buffer payload.
func (b *Buffer) AllocSize() int { return len(b.Data) }

// Payload returns the valid payload bytes.
func (b *Buffer) Payload() []byte { return b.Data[:b.Length] }

// Reset clears the header so the buffer can be reused. The allocation is kept.
func (b *Buffer) Reset() {
	b.Length = 0
	b.Cmd = EventNone
	b.Flags = 0
	b.PTS = TimeUnknown
	b.DTS = TimeUnknown
	b.UserData = nil
	b.Status = StatusSuccess
	b.Changed = nil
}

// Release hands the buffer back to the pool it was allocated from. Buffers
// without a pool are simply dropped.
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.put(b)
	}
}
