package decoder

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/hwdec/internal/hw"
)

// FrameBuffer is a reference-counted handle on one decoded hardware output
// buffer plus the metadata the decoder attached to it.
//
// A new handle sits on the session's ready queue with zero references; the
// queue's hold is tracked by the session's outstanding count, not by refs.
// GetPicture takes the first reference. When refs drop back to zero the
// hardware buffer returns to the output pool and the handle is dead.
type FrameBuffer struct {
	session *Session
	buf     *hw.Buffer
	refs    atomic.Int32

	format     *hw.Format
	width      int
	height     int
	aspect     float64
	dts        time.Duration
	generation uint64
}

// Acquire adds a reference and returns fb for chaining.
func (fb *FrameBuffer) Acquire() *FrameBuffer {
	fb.refs.Add(1)
	return fb
}

// Release drops a reference. The last release returns the hardware buffer
// to the decoder. Releasing more times than acquired panics.
func (fb *FrameBuffer) Release() int32 {
	n := fb.refs.Add(-1)
	if n < 0 {
		panic("decoder: frame buffer released more times than acquired")
	}
	if n == 0 {
		fb.session.releaseFrame(fb)
	}
	return n
}

// Refs returns the current reference count.
func (fb *FrameBuffer) Refs() int32 { return fb.refs.Load() }

// Width is the decoded width at the time the frame was produced.
func (fb *FrameBuffer) Width() int { return fb.width }

// Height is the decoded height at the time the frame was produced.
func (fb *FrameBuffer) Height() int { return fb.height }

// Aspect is the display aspect ratio derived from the pixel aspect ratio,
// or 0 when unknown.
func (fb *FrameBuffer) Aspect() float64 { return fb.aspect }

// DTS is the decode timestamp paired with this frame, or NoPTS.
func (fb *FrameBuffer) DTS() time.Duration { return fb.dts }

// PTS is the presentation timestamp carried by the hardware buffer, or NoPTS.
func (fb *FrameBuffer) PTS() time.Duration { return fromHWTime(fb.buf.PTS) }

// Generation is the format generation the frame was decoded under.
func (fb *FrameBuffer) Generation() uint64 { return fb.generation }

// Format returns the elementary-stream format the frame was decoded with.
// The descriptor is owned by the handle and must not be modified.
func (fb *FrameBuffer) Format() *hw.Format { return fb.format }

// Payload exposes the hardware buffer contents. For opaque encodings this is
// a handle the renderer passes back to the hardware, not pixel data.
func (fb *FrameBuffer) Payload() []byte { return fb.buf.Payload() }
