package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/hwdec/internal/hw"
)

type portKind int

const (
	kindControl portKind = iota
	kindInput
	kindOutput
)

type delivery struct {
	port *port
	cb   hw.Callback
	buf  *hw.Buffer
	// flushed is closed instead of running cb. It marks the point a flush
	// waits for.
	flushed chan struct{}
}

func (d delivery) run() {
	if d.flushed != nil {
		close(d.flushed)
		return
	}
	d.cb(d.port, d.buf)
}

type picture struct {
	number int
	data   []byte
	pts    int64
	flags  hw.BufferFlags
}

// Stats is a snapshot of a component's activity.
type Stats struct {
	FramesIn       int
	PicturesOut    int
	EventsOut      int
	HeldOutput     int
	PendingDecoded int
	Released       bool
}

// Component is a simulated video decoder.
type Component struct {
	cfg  Config
	log  *slog.Logger
	name string

	control *port
	input   *port
	output  *port

	mu         sync.Mutex
	enabled    bool
	released   bool
	assembling []byte
	asmPTS     int64
	asmStarted bool
	decoded    []picture
	outFree    []*hw.Buffer
	frames     int
	announced  bool
	current    hw.VideoFormat
	pending    []delivery // synchronous mode only
	stats      Stats
}

func newComponent(name string, cfg Config) *Component {
	c := &Component{
		cfg:    cfg,
		log:    cfg.Log.With("component", "hw-sim"),
		name:   name,
		asmPTS: hw.TimeUnknown,
	}
	c.control = newPort(c, kindControl, name+":ctr:0")
	c.input = newPort(c, kindInput, name+":in:0")
	c.output = newPort(c, kindOutput, name+":out:0")
	c.input.reqs = cfg.Input
	c.output.reqs = cfg.Output
	c.input.format.Type = hw.ESTypeVideo
	c.output.format.Type = hw.ESTypeVideo
	c.output.format.Encoding = hw.EncodingI420
	return c
}

// Name implements hw.Component.
func (c *Component) Name() string { return c.name }

// Control implements hw.Component.
func (c *Component) Control() hw.Port { return c.control }

// Input implements hw.Component.
func (c *Component) Input() hw.Port { return c.input }

// Output implements hw.Component.
func (c *Component) Output() hw.Port { return c.output }

// Enable implements hw.Component.
func (c *Component) Enable() error {
	if err := c.cfg.fault("enable"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return fmt.Errorf("sim: enable %s: %w", c.name, hw.StatusENOTREADY)
	}
	c.enabled = true
	c.pumpLocked()
	c.mu.Unlock()
	c.runPending()
	return nil
}

// Disable implements hw.Component.
func (c *Component) Disable() error {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

// Release implements hw.Component. Every port is disabled, returning the
// buffers it still holds.
func (c *Component) Release() error {
	for _, p := range []*port{c.input, c.output, c.control} {
		if p.Enabled() {
			_ = p.Disable()
		}
	}
	c.mu.Lock()
	c.enabled = false
	c.released = true
	c.stats.Released = true
	c.mu.Unlock()
	return nil
}

// InjectError reports an error event on the control port.
func (c *Component) InjectError(st hw.Status) {
	c.mu.Lock()
	c.emitErrorLocked(st)
	c.mu.Unlock()
	c.runPending()
}

// Stats returns a snapshot of the component's counters.
func (c *Component) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.HeldOutput = len(c.outFree)
	s.PendingDecoded = len(c.decoded)
	return s
}

func (c *Component) emitErrorLocked(st hw.Status) {
	if !c.control.enabled {
		return
	}
	ev := hw.NewBuffer(4)
	ev.Cmd = hw.EventError
	ev.Status = st
	ev.Length = 4
	ev.Data[0] = byte(st)
	ev.Data[1] = byte(st >> 8)
	ev.Data[2] = byte(st >> 16)
	ev.Data[3] = byte(st >> 24)
	c.emitLocked(c.control, ev)
}

// emitLocked queues buf for delivery on p's callback. In asynchronous mode
// the port's dispatch goroutine picks it up; otherwise it runs in
// runPending once c.mu is released.
func (c *Component) emitLocked(p *port, buf *hw.Buffer) {
	d := delivery{port: p, cb: p.cb, buf: buf}
	if c.cfg.Synchronous {
		c.pending = append(c.pending, d)
		return
	}
	p.events <- d
}

func (c *Component) runPending() {
	if !c.cfg.Synchronous {
		return
	}
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		d := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		d.run()
	}
}

// consumeLocked takes one input chunk. The chunk's payload is copied out and
// the buffer goes straight back to the client.
func (c *Component) consumeLocked(buf *hw.Buffer) {
	if !c.asmStarted {
		c.asmPTS = buf.PTS
		c.asmStarted = true
	}
	c.assembling = append(c.assembling, buf.Payload()...)
	flags := buf.Flags

	buf.Length = 0
	c.emitLocked(c.input, buf)

	if !flags.Has(hw.FlagFrameEnd) {
		return
	}

	c.frames++
	c.stats.FramesIn++
	pic := picture{
		number: c.frames,
		data:   c.assembling,
		pts:    c.asmPTS,
		flags:  flags & hw.FlagKeyframe,
	}
	c.assembling = nil
	c.asmStarted = false
	c.asmPTS = hw.TimeUnknown

	if c.cfg.fault("decode") != nil {
		c.emitErrorLocked(c.cfg.Faults["decode"])
		return
	}
	c.decoded = append(c.decoded, pic)
}

// pumpLocked pairs decoded pictures with free output buffers.
func (c *Component) pumpLocked() {
	if !c.enabled || !c.output.enabled {
		return
	}
	for len(c.decoded) > c.cfg.ReorderDepth && len(c.outFree) > 0 {
		idx := c.nextPictureLocked()
		pic := c.decoded[idx]

		if vf, ok := c.formatFor(pic.number); ok {
			c.announceLocked(vf)
		}

		c.decoded = append(c.decoded[:idx], c.decoded[idx+1:]...)
		out := c.outFree[0]
		c.outFree = c.outFree[1:]

		out.Cmd = hw.EventNone
		out.Length = copy(out.Data, pic.data)
		if out.Length == 0 && out.AllocSize() > 0 {
			out.Data[0] = byte(pic.number)
			out.Length = 1
		}
		out.PTS = pic.pts
		out.DTS = hw.TimeUnknown
		out.Flags = pic.flags | hw.FlagFrameEnd
		out.UserData = pic.number
		c.stats.PicturesOut++
		c.emitLocked(c.output, out)
	}
}

// nextPictureLocked picks the decoded picture with the lowest PTS, which is
// the presentation-order head once the reorder window is full.
func (c *Component) nextPictureLocked() int {
	best := 0
	for i := 1; i < len(c.decoded); i++ {
		if c.decoded[i].pts < c.decoded[best].pts {
			best = i
		}
	}
	return best
}

func (c *Component) formatFor(number int) (hw.VideoFormat, bool) {
	if vf, ok := c.cfg.FormatChanges[number]; ok {
		return vf, true
	}
	if c.announced {
		return hw.VideoFormat{}, false
	}

	vf := hw.VideoFormat{Width: c.cfg.Width, Height: c.cfg.Height, PAR: c.cfg.PAR}
	if vf.Width == 0 || vf.Height == 0 {
		vf.Width = c.input.committed.Video.Width
		vf.Height = c.input.committed.Video.Height
	}
	if vf.Width == 0 || vf.Height == 0 {
		vf.Width, vf.Height = 1920, 1080
	}
	return vf, true
}

func (c *Component) announceLocked(vf hw.VideoFormat) {
	c.announced = true
	if vf.Crop == (hw.Rect{}) {
		vf.Crop = hw.Rect{Width: vf.Width, Height: vf.Height}
	}
	c.current = vf

	f := c.output.committed.Clone()
	f.Type = hw.ESTypeVideo
	f.Encoding = hw.EncodingI420
	f.Video = vf

	ev := hw.NewBuffer(0)
	ev.Cmd = hw.EventFormatChanged
	ev.Changed = f
	c.stats.EventsOut++
	c.log.Debug("format changed", "width", vf.Width, "height", vf.Height,
		"par_num", vf.PAR.Num, "par_den", vf.PAR.Den)
	c.emitLocked(c.output, ev)
}

// returnOutputLocked hands every held output buffer back empty.
func (c *Component) returnOutputLocked() {
	for _, b := range c.outFree {
		b.Length = 0
		b.Cmd = hw.EventNone
		c.emitLocked(c.output, b)
	}
	c.outFree = nil
}
