// Package decoder drives a hardware video decoder component through its
// asynchronous port protocol. A Session submits compressed frames on the
// input port, collects decoded pictures from the output port callback, and
// hands them to the presentation layer as reference-counted FrameBuffer
// handles.
//
// All Session methods except Stats belong to a single playback goroutine.
// The hardware callbacks run on goroutines owned by the component; the state
// they share with the playback goroutine (timestamp queue, ready queue,
// outstanding-handle count, output format) sits behind one mutex.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwdec/internal/codec"
	"github.com/zsiec/hwdec/internal/hw"
)

const (
	defaultAllowedReferences = 4
	defaultInputTimeout      = 500 * time.Millisecond
)

// Config carries the collaborators and tunables of a Session.
type Config struct {
	// Driver creates the hardware decoder component. Required.
	Driver hw.Driver
	// Policy decides whether hardware decode is allowed and which
	// deinterlace mode is preferred. Nil allows hardware decode with
	// deinterlacing off.
	Policy codec.Policy
	// Caps reports optional codec licenses. Nil means none.
	Caps codec.Capabilities
	// AllowedReferences is the maximum reference-frame count; the input
	// port is asked for AllowedReferences+4 extra buffers. Default 4.
	AllowedReferences int
	// InputTimeout bounds the wait for a free input buffer. Default 500ms.
	InputTimeout time.Duration
	Log          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Policy == nil {
		c.Policy = codec.StaticPolicy{Enabled: true}
	}
	if c.Caps == nil {
		c.Caps = codec.Capability(0)
	}
	if c.AllowedReferences <= 0 {
		c.AllowedReferences = defaultAllowedReferences
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = defaultInputTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Result is the outcome of a Decode call.
type Result int

// Decode outcomes.
const (
	ResultError Result = iota
	ResultNoPicture
	ResultPicture
)

func (r Result) String() string {
	switch r {
	case ResultNoPicture:
		return "no-picture"
	case ResultPicture:
		return "picture"
	default:
		return "error"
	}
}

// Session is one open hardware decoder.
type Session struct {
	cfg        Config
	log        *slog.Logger
	hints      codec.Hints
	formatName string
	fields     int // dropped-picture weight: 2 when deinterlacing is forced

	comp    hw.Component
	control hw.Port
	input   hw.Port
	output  hw.Port
	inPool  *hw.Pool
	outPool *hw.Pool

	drop atomic.Bool

	// Playback goroutine only.
	applied     uint64
	frameNumber uint64

	mu           sync.Mutex
	es           *hw.Format
	changed      uint64
	decodedW     int
	decodedH     int
	aspect       float64
	dtsQueue     fifo[time.Duration]
	ready        fifo[*FrameBuffer]
	outstanding  int
	finished     bool
	lastPTS      time.Duration
	droppedPics  int
	droppedTotal int64
	submitted    int64
	emitted      int64
	defects      int64
	hwErrors     int64

	teardownOnce sync.Once
	done         chan struct{}
}

// Open creates and configures a hardware decoder for the stream described
// by hints. It returns ErrHardwareDisabled, ErrUnsupportedCodec or
// ErrCapabilityMissing without touching the hardware when the stream is not
// eligible, and an error wrapping ErrSetup when the hardware refuses the
// configuration. On failure everything Open created has been released.
func Open(hints codec.Hints, cfg Config) (*Session, error) {
	cfg.setDefaults()
	log := cfg.Log.With("component", "decoder")

	if !cfg.Policy.HardwareDecode() || hints.Software {
		return nil, ErrHardwareDisabled
	}
	m, ok := codec.Lookup(hints.Codec)
	if !ok {
		log.Error("video codec unknown", "codec", hints.Codec.String())
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, hints.Codec)
	}
	if m.Requires != 0 && !cfg.Caps.Has(m.Requires) {
		log.Warn("codec is not supported", "format", m.Name)
		return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, m.Name)
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("%w: no hardware driver", ErrSetup)
	}

	s := &Session{
		cfg:         cfg,
		log:         log.With("format", m.Name),
		hints:       hints,
		formatName:  m.Name,
		fields:      1,
		decodedW:    hints.Width,
		decodedH:    hints.Height,
		aspect:      hints.Aspect,
		lastPTS:     NoPTS,
		frameNumber: 1,
		done:        make(chan struct{}),
	}
	if cfg.Policy.Deinterlace() == codec.DeinterlaceForce {
		s.fields = 2
	}

	if err := s.setup(m); err != nil {
		s.log.Error("hardware setup failed", "error", err)
		s.teardown()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	s.log.Info("decoder opened",
		"width", hints.Width, "height", hints.Height,
		"input_buffers", s.inPool.Len(), "input_size", s.inPool.BufferSize(),
		"output_buffers", s.outPool.Len(), "output_size", s.outPool.BufferSize())
	return s, nil
}

func (s *Session) setup(m codec.Mapping) error {
	comp, err := s.cfg.Driver.Create(hw.ComponentVideoDecoder)
	if err != nil {
		return fmt.Errorf("create %s: %w", hw.ComponentVideoDecoder, err)
	}
	s.comp = comp
	s.control = comp.Control()
	s.input = comp.Input()
	s.output = comp.Output()

	if err := s.control.Enable(s.onControl); err != nil {
		return fmt.Errorf("enable control port: %w", err)
	}

	in := s.input.Format()
	in.Type = hw.ESTypeVideo
	in.Encoding = m.Encoding
	if s.hints.Width > 0 && s.hints.Height > 0 {
		in.Video.Width = s.hints.Width
		in.Video.Height = s.hints.Height
	}
	in.Flags |= hw.FormatFlagFramed
	in.Extradata = append([]byte(nil), s.hints.Extradata...)

	if err := s.input.SetBool(hw.ParamErrorConcealment, false); err != nil {
		s.log.Error("failed to disable error concealment", "port", s.input.Name(), "error", err)
	}
	extra := uint32(s.cfg.AllowedReferences + 4)
	if err := s.input.SetUint32(hw.ParamExtraBuffers, extra); err != nil {
		s.log.Error("failed to enable extra buffers", "port", s.input.Name(), "error", err)
	}
	if err := s.input.Commit(); err != nil {
		return fmt.Errorf("commit input format: %w", err)
	}
	inReqs := s.input.Requirements()
	inSize := inReqs.SizeRecommended
	if inSize <= 0 {
		inSize = inReqs.SizeMin
	}
	if inSize <= 0 {
		return fmt.Errorf("input port reports no buffer size: %w", hw.StatusEINVAL)
	}
	s.input.SetBuffers(max(inReqs.NumRecommended, inReqs.NumMin, 1), inSize)
	if err := s.input.Enable(s.onInput); err != nil {
		return fmt.Errorf("enable input port: %w", err)
	}

	// Initial output format. The hardware announces the real one before
	// the first picture.
	es := s.output.Format().Clone()
	es.Type = hw.ESTypeVideo
	es.Encoding = hw.EncodingOpaque
	if s.hints.Width > 0 && s.hints.Height > 0 {
		es.Video.Width = s.hints.Width
		es.Video.Height = s.hints.Height
		es.Video.Crop.Width = s.hints.Width
		es.Video.Crop.Height = s.hints.Height
	}
	s.es = es
	s.output.Format().CopyFrom(es)
	if err := s.output.Commit(); err != nil {
		return fmt.Errorf("commit output format: %w", err)
	}
	outReqs := s.output.Requirements()
	s.output.SetBuffers(max(outReqs.NumRecommended, outReqs.NumMin, 1), outReqs.SizeMin)
	if err := s.output.Enable(s.onOutput); err != nil {
		return fmt.Errorf("enable output port: %w", err)
	}

	if err := comp.Enable(); err != nil {
		return fmt.Errorf("enable component: %w", err)
	}

	num, size := s.input.Buffers()
	if s.inPool, err = hw.NewPool(num, size); err != nil {
		return fmt.Errorf("input pool: %w", err)
	}
	num, size = s.output.Buffers()
	if s.outPool, err = hw.NewPool(num, size); err != nil {
		return fmt.Errorf("output pool: %w", err)
	}
	return nil
}

// FormatName is the diagnostics name of the selected hardware decoder, such
// as "omx-h264".
func (s *Session) FormatName() string { return s.formatName }

// Done is closed once the session's hardware resources have been released.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) onControl(_ hw.Port, buf *hw.Buffer) {
	if buf.Cmd == hw.EventError {
		s.log.Error("hardware error", "status", buf.Status.String())
		s.mu.Lock()
		s.hwErrors++
		s.mu.Unlock()
	}
	buf.Release()
}

func (s *Session) onInput(_ hw.Port, buf *hw.Buffer) {
	buf.Release()
}

func (s *Session) onOutput(_ hw.Port, buf *hw.Buffer) {
	switch {
	case buf.Cmd == hw.EventNone && buf.Length > 0:
		if s.acceptPicture(buf) {
			return
		}
	case buf.Cmd == hw.EventFormatChanged && buf.Changed != nil:
		s.formatChanged(buf.Changed)
	}
	buf.Release()
}

// acceptPicture pairs a decoded buffer with its decode timestamp and queues
// it for GetPicture. It reports false when the buffer was discarded.
func (s *Session) acceptPicture(buf *hw.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dts, ok := s.dtsQueue.pop()
	if !ok {
		s.defects++
		s.log.Error("decoded picture with empty timestamp queue", "defect", true)
		dts = NoPTS
	}
	s.emitted++

	if buf.Flags.Has(hw.FlagDecodeOnly) {
		s.defects++
		s.log.Error("decode-only picture on output port", "defect", true)
		return false
	}
	if s.drop.Load() || s.finished {
		s.log.Debug("dropping picture", "pts", buf.PTS, "drop", s.drop.Load())
		s.droppedPics += s.fields
		s.droppedTotal += int64(s.fields)
		return false
	}

	fb := &FrameBuffer{
		session:    s,
		buf:        buf,
		format:     s.es.Clone(),
		width:      s.decodedW,
		height:     s.decodedH,
		aspect:     s.aspect,
		dts:        dts,
		generation: s.changed,
	}
	buf.UserData = fb
	s.outstanding++
	s.ready.push(fb)
	return true
}

func (s *Session) formatChanged(f *hw.Format) {
	s.mu.Lock()
	s.es.CopyFrom(f)
	s.es.Encoding = hw.EncodingOpaque
	s.changed++
	v := s.es.Video
	if v.PAR.Num != 0 && v.PAR.Den != 0 && v.Height != 0 {
		s.aspect = float64(v.PAR.Num*v.Width) / float64(v.PAR.Den*v.Height)
	}
	s.decodedW = v.Width
	s.decodedH = v.Height
	gen, aspect := s.changed, s.aspect
	s.mu.Unlock()

	s.log.Debug("format changed", "width", v.Width, "height", v.Height,
		"aspect", aspect, "generation", gen)
}

// reconfigure applies the most recently announced output format to the
// output port.
func (s *Session) reconfigure() error {
	s.mu.Lock()
	es := s.es.Clone()
	s.mu.Unlock()

	s.log.Debug("reconfiguring output port", "generation", s.applied)
	if err := s.output.Disable(); err != nil {
		return fmt.Errorf("disable output port: %w", err)
	}
	s.output.Format().CopyFrom(es)
	if err := s.output.Commit(); err != nil {
		return fmt.Errorf("commit output format: %w", err)
	}
	if err := s.output.Enable(s.onOutput); err != nil {
		return fmt.Errorf("enable output port: %w", err)
	}
	return nil
}

// Decode submits one compressed frame. The frame is split across as many
// input buffers as needed; the last one carries the frame-end flag. dts and
// pts may be NoPTS. Decode with no data submits nothing and only reports
// whether a picture is waiting.
//
// Any error is fatal for the session; the caller should Dispose it.
func (s *Session) Decode(data []byte, dts, pts time.Duration) (Result, error) {
	if s.isFinished() {
		return ResultError, ErrClosed
	}

	poll := len(data) == 0
	for len(data) > 0 {
		buf := s.inPool.Queue().TimedWait(s.cfg.InputTimeout)
		if buf == nil {
			s.log.Error("no free input buffer", "timeout", s.cfg.InputTimeout)
			return ResultError, ErrInputStall
		}

		buf.Reset()
		buf.PTS = toHWTime(pts)
		buf.DTS = toHWTime(dts)
		buf.UserData = s.frameNumber
		buf.Length = copy(buf.Data, data)
		data = data[buf.Length:]
		last := len(data) == 0
		if last {
			buf.Flags |= hw.FlagFrameEnd
			// Queue the timestamp before the hardware can emit the picture.
			s.mu.Lock()
			s.dtsQueue.push(dts)
			s.mu.Unlock()
		}

		if err := s.input.Send(buf); err != nil {
			if last {
				s.mu.Lock()
				s.dtsQueue.unpush()
				s.mu.Unlock()
			}
			buf.Release()
			s.log.Error("failed to send buffer to input port", "frame", s.frameNumber, "error", err)
			return ResultError, fmt.Errorf("%w: %w", ErrSubmit, err)
		}
		if !last {
			continue
		}

		s.frameNumber++
		s.mu.Lock()
		s.submitted++
		changed := s.changed
		s.mu.Unlock()

		if changed != s.applied {
			s.log.Debug("format changed", "applied", s.applied, "announced", changed)
			s.applied = changed
			if err := s.reconfigure(); err != nil {
				s.log.Error("output reconfiguration failed", "error", err)
				return ResultError, fmt.Errorf("%w: %w", ErrReconfigure, err)
			}
		}
		s.recycle()
	}
	if poll {
		s.recycle()
	}

	s.mu.Lock()
	n := s.ready.len()
	s.mu.Unlock()
	if n == 0 {
		return ResultNoPicture, nil
	}
	return ResultPicture, nil
}

// recycle hands every free output buffer back to the hardware.
func (s *Session) recycle() {
	var failed []*hw.Buffer
	for buf := s.outPool.Queue().Get(); buf != nil; buf = s.outPool.Queue().Get() {
		buf.Reset()
		if err := s.output.Send(buf); err != nil {
			s.log.Warn("failed to send buffer to output port", "error", err)
			failed = append(failed, buf)
		}
	}
	for _, buf := range failed {
		buf.Release()
	}
}

// SetDropState turns drop state on or off. While on, decoded pictures are
// discarded as they arrive. Turning it on also discards every picture
// already waiting for GetPicture.
func (s *Session) SetDropState(drop bool) {
	if s.drop.Swap(drop) != drop {
		s.log.Debug("drop state", "drop", drop)
	}
	if !drop {
		return
	}
	for {
		s.mu.Lock()
		fb, ok := s.ready.pop()
		if ok {
			s.droppedPics += s.fields
			s.droppedTotal += int64(s.fields)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		s.releaseFrame(fb)
	}
}

// Reset flushes the hardware and forgets every frame in flight. Handles
// already given out by GetPicture stay valid.
func (s *Session) Reset() {
	s.log.Debug("reset")
	if s.input != nil {
		if err := s.input.Flush(); err != nil {
			s.log.Warn("failed to flush input port", "error", err)
		}
	}
	if s.output != nil {
		if err := s.output.Flush(); err != nil {
			s.log.Warn("failed to flush output port", "error", err)
		}
	}

	s.SetDropState(true)
	s.SetDropState(false)

	s.mu.Lock()
	s.dtsQueue.reset()
	s.lastPTS = NoPTS
	s.droppedPics = 0
	s.mu.Unlock()
	s.frameNumber = 1
}

// GetPicture moves the oldest ready picture into pic and takes a reference
// on its FrameBuffer for the caller. It returns ErrNoPicture, leaving pic
// untouched, when nothing is ready.
func (s *Session) GetPicture(pic *Picture) error {
	s.mu.Lock()
	fb, ok := s.ready.pop()
	if !ok {
		s.mu.Unlock()
		s.log.Error("GetPicture called with empty ready queue")
		return ErrNoPicture
	}
	w, h := fb.width, fb.height
	if w == 0 {
		w = s.decodedW
	}
	if h == 0 {
		h = s.decodedH
	}
	s.mu.Unlock()

	*pic = Picture{
		Format:      RenderHardware,
		Width:       w,
		Height:      h,
		ColorRange:  ColorRangeLimited,
		ColorMatrix: ColorMatrixBT601,
		DTS:         fb.dts,
		PTS:         fb.PTS(),
		Flags:       FlagAllocated,
		Buffer:      fb.Acquire(),
	}
	pic.DisplayWidth, pic.DisplayHeight = displaySize(w, h, fb.aspect, s.hints.ForcedAspect)

	last := pic.PTS
	if last == NoPTS {
		last = pic.DTS
	}
	s.mu.Lock()
	s.lastPTS = last
	s.mu.Unlock()
	return nil
}

// ClearPicture drops the reference GetPicture took and zeroes pic.
func (s *Session) ClearPicture(pic *Picture) {
	if pic.Format == RenderHardware && pic.Buffer != nil {
		pic.Buffer.Release()
	}
	*pic = Picture{}
}

// CodecStats returns the timestamp of the last picture handed out and the
// number of pictures dropped since the previous call.
func (s *Session) CodecStats() (pts time.Duration, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts, dropped = s.lastPTS, s.droppedPics
	s.droppedPics = 0
	return pts, dropped
}

// Dispose stops decoding. Hardware resources are released once every
// FrameBuffer given out by GetPicture has been released; Done reports when
// that has happened.
func (s *Session) Dispose() {
	if s.isFinished() {
		return
	}
	s.Reset()
	s.SetDropState(true)

	s.mu.Lock()
	s.finished = true
	done := s.outstanding == 0
	outstanding := s.outstanding
	s.mu.Unlock()

	s.log.Debug("dispose", "outstanding", outstanding, "done", done)
	if done {
		s.teardown()
	}
}

func (s *Session) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// releaseFrame runs when a handle loses its last reference.
func (s *Session) releaseFrame(fb *FrameBuffer) {
	s.mu.Lock()
	s.outstanding--
	if s.outstanding < 0 {
		s.mu.Unlock()
		panic("decoder: outstanding frame count went negative")
	}
	done := s.finished && s.outstanding == 0
	s.mu.Unlock()

	fb.buf.UserData = nil
	fb.buf.Release()
	if done {
		s.teardown()
	}
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		var errs []error
		if s.comp != nil {
			errs = append(errs, s.comp.Disable())
		}
		for _, p := range []hw.Port{s.control, s.input, s.output} {
			if p != nil && p.Enabled() {
				errs = append(errs, p.Disable())
			}
		}
		if s.inPool != nil {
			s.inPool.Close()
		}
		if s.outPool != nil {
			s.outPool.Close()
		}
		if s.comp != nil {
			errs = append(errs, s.comp.Release())
		}
		if err := errors.Join(errs...); err != nil {
			s.log.Warn("hardware teardown", "error", err)
		}

		s.mu.Lock()
		if n := s.dtsQueue.len(); n > 0 {
			s.log.Debug("discarding timestamps", "count", n)
		}
		s.dtsQueue.reset()
		s.mu.Unlock()

		s.log.Debug("decoder released")
		close(s.done)
	})
}

// Stats is a point-in-time view of a session for diagnostics.
type Stats struct {
	Format          string  `json:"format"`
	Codec           string  `json:"codec"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Aspect          float64 `json:"aspect"`
	Generation      uint64  `json:"generation"`
	TimestampQueue  int     `json:"timestampQueue"`
	ReadyQueue      int     `json:"readyQueue"`
	Outstanding     int     `json:"outstanding"`
	InputFree       int     `json:"inputFree"`
	OutputFree      int     `json:"outputFree"`
	FramesSubmitted int64   `json:"framesSubmitted"`
	PicturesEmitted int64   `json:"picturesEmitted"`
	PicturesDropped int64   `json:"picturesDropped"`
	Defects         int64   `json:"defects"`
	HardwareErrors  int64   `json:"hardwareErrors"`
	LastPTSMicros   int64   `json:"lastPtsUs"`
	Dropping        bool    `json:"dropping"`
	Finished        bool    `json:"finished"`
}

// Stats returns a snapshot of the session's queues and counters. It is safe
// to call from any goroutine.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Format:          s.formatName,
		Codec:           s.hints.Codec.String(),
		Width:           s.decodedW,
		Height:          s.decodedH,
		Aspect:          s.aspect,
		Generation:      s.changed,
		TimestampQueue:  s.dtsQueue.len(),
		ReadyQueue:      s.ready.len(),
		Outstanding:     s.outstanding,
		FramesSubmitted: s.submitted,
		PicturesEmitted: s.emitted,
		PicturesDropped: s.droppedTotal,
		Defects:         s.defects,
		HardwareErrors:  s.hwErrors,
		LastPTSMicros:   toHWTime(s.lastPTS),
		Dropping:        s.drop.Load(),
		Finished:        s.finished,
	}
	s.mu.Unlock()
	if s.inPool != nil {
		st.InputFree = s.inPool.Queue().Len()
	}
	if s.outPool != nil {
		st.OutputFree = s.outPool.Queue().Len()
	}
	return st
}
