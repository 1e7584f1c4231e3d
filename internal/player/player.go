// Package player is the playback loop around a decoder session. It feeds
// demuxed access units to the session, moves decoded pictures to a
// presenter goroutine through a bounded queue, and releases each picture
// back on the playback goroutine once it has been shown.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hwdec/internal/captions"
	"github.com/zsiec/hwdec/internal/codec"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/h264"
	"github.com/zsiec/hwdec/internal/mpegts"
)

const (
	defaultQueueDepth = 4
	// maxPendingCaptions bounds captions waiting for a picture to ride on.
	maxPendingCaptions = 64
	disposeTimeout     = 2 * time.Second
	// defaultLateAfter applies until two pictures have given a frame interval.
	defaultLateAfter = 40 * time.Millisecond
	maxFrameInterval = time.Second
)

// Frame is one decoded picture with the captions due at or before it.
type Frame struct {
	Picture  decoder.Picture
	Captions []*ccx.CaptionFrame
}

// Presenter shows frames. Present runs on the presenter goroutine; the
// frame's picture stays valid until Present returns.
type Presenter interface {
	Present(f *Frame)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(f *Frame)

// Present implements Presenter.
func (fn PresenterFunc) Present(f *Frame) { fn(f) }

// Config configures a Player.
type Config struct {
	// Key names the stream in logs and stats.
	Key string
	// Decoder is passed to decoder.Open. AllowedReferences, when zero, is
	// taken from the stream's SPS.
	Decoder decoder.Config
	// Presenter receives frames. Nil discards them.
	Presenter Presenter
	// QueueDepth is the number of frames that may wait for the presenter.
	// Default 4.
	QueueDepth int
	// LateAfter is how long a picture may wait for room in the queue. A
	// picture that waits longer is dropped, and the session stays in drop
	// state while the queue remains full. Zero uses the stream's frame
	// interval.
	LateAfter time.Duration
	// Captions enables CEA-608/708 extraction for H.264 streams.
	Captions bool
	Log      *slog.Logger
}

// Snapshot is a point-in-time view of a Player for the stats API.
type Snapshot struct {
	Key             string         `json:"key"`
	UptimeMs        int64          `json:"uptimeMs"`
	AccessUnits     int64          `json:"accessUnits"`
	Pictures        int64          `json:"pictures"`
	Presented       int64          `json:"presented"`
	Dropped         int64          `json:"dropped"`
	Discontinuities int64          `json:"discontinuities"`
	Captions        int64          `json:"captions"`
	CaptionsDropped int64          `json:"captionsDropped"`
	QueueDepth      int            `json:"queueDepth"`
	LastPTSMicros   int64          `json:"lastPtsUs"`
	Decoder         *decoder.Stats `json:"decoder,omitempty"`
}

// Player runs one stream through one decoder session. Run may be called
// once; Snapshot is safe from any goroutine.
type Player struct {
	cfg   Config
	log   *slog.Logger
	start time.Time

	session  atomic.Pointer[decoder.Session]
	codec    codec.ID
	captions *captions.Extractor
	pending  []*ccx.CaptionFrame

	// Playback goroutine only.
	late     bool
	prevPTS  time.Duration
	interval time.Duration

	units           atomic.Int64
	pictures        atomic.Int64
	presented       atomic.Int64
	dropped         atomic.Int64
	discontinuities atomic.Int64
	captionsDropped atomic.Int64
	queueDepth      atomic.Int32
	lastPTS         atomic.Int64
}

// New creates a Player. It does not open the decoder; that happens when
// the first access unit arrives and the codec is known.
func New(cfg Config) *Player {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Presenter == nil {
		cfg.Presenter = PresenterFunc(func(*Frame) {})
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With("component", "player", "stream", cfg.Key)
	if cfg.Decoder.Log == nil {
		cfg.Decoder.Log = cfg.Log.With("stream", cfg.Key)
	}
	p := &Player{cfg: cfg, log: log, start: time.Now(), prevPTS: decoder.NoPTS}
	if cfg.Captions {
		p.captions = captions.New(log)
	}
	p.lastPTS.Store(decoder.NoPTS.Microseconds())
	return p
}

// Key returns the stream key.
func (p *Player) Key() string { return p.cfg.Key }

// Run plays access units from src until src is closed, ctx is done, or
// decoding fails. Before returning it takes back every picture from the
// presenter and disposes the session.
func (p *Player) Run(ctx context.Context, src <-chan mpegts.AccessUnit) error {
	present := make(chan *Frame, p.cfg.QueueDepth)
	// Playback drains back whenever it waits on the presenter, so the
	// presenter can only stall on back while a Decode call is running.
	back := make(chan *Frame, p.cfg.QueueDepth+1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(back)
		for f := range present {
			p.cfg.Presenter.Present(f)
			p.presented.Add(1)
			back <- f
		}
		return nil
	})
	g.Go(func() error {
		err := p.playback(ctx, src, present, back)
		close(present)
		p.shutdown(back)
		return err
	})
	return g.Wait()
}

func (p *Player) playback(ctx context.Context, src <-chan mpegts.AccessUnit, present chan<- *Frame, back <-chan *Frame) error {
	for {
		p.reclaim(back)
		select {
		case <-ctx.Done():
			return nil
		case f := <-back:
			p.release(f)
		case au, ok := <-src:
			if !ok {
				p.log.Info("source ended", "access_units", p.units.Load())
				return p.finish(ctx, present, back)
			}
			if err := p.handle(ctx, au, present, back); err != nil {
				return err
			}
		}
	}
}

func (p *Player) handle(ctx context.Context, au mpegts.AccessUnit, present chan<- *Frame, back <-chan *Frame) error {
	p.units.Add(1)
	s := p.session.Load()
	if s == nil {
		var err error
		if s, err = p.open(au); err != nil {
			return err
		}
	}

	if au.Discontinuity {
		p.discontinuities.Add(1)
		p.log.Warn("stream discontinuity, flushing decoder", "pts", au.PTS)
		s.Reset()
		p.pending = p.pending[:0]
		p.prevPTS = decoder.NoPTS
	}
	if p.captions != nil && p.codec == codec.H264 {
		p.queueCaptions(p.captions.Extract(au.Data, au.PTS))
	}

	s.SetDropState(p.late && len(present) == cap(present))
	res, err := s.Decode(au.Data, decoder.FromMPEG(au.DTS), decoder.FromMPEG(au.PTS))
	if err = p.deliver(ctx, s, res, err, present, back); err != nil {
		return err
	}

	pts, dropped := s.CodecStats()
	if dropped > 0 {
		p.dropped.Add(int64(dropped))
		p.log.Debug("pictures dropped", "count", dropped)
	}
	if pts != decoder.NoPTS {
		p.lastPTS.Store(pts.Microseconds())
	}
	p.queueDepth.Store(int32(len(present)))
	return nil
}

// deliver hands every ready picture to the presenter, polling the session
// again after each one.
func (p *Player) deliver(ctx context.Context, s *decoder.Session, res decoder.Result, err error, present chan<- *Frame, back <-chan *Frame) error {
	for err == nil && res == decoder.ResultPicture {
		f := &Frame{}
		if err = s.GetPicture(&f.Picture); err != nil {
			break
		}
		f.Captions = p.takeCaptions(f.Picture.PTS)
		p.pictures.Add(1)
		p.track(f.Picture.PTS)
		if !p.send(ctx, f, present, back) && ctx.Err() != nil {
			return nil
		}
		res, err = s.Decode(nil, decoder.NoPTS, decoder.NoPTS)
	}
	if err != nil {
		return fmt.Errorf("player %s: %w", p.cfg.Key, err)
	}
	return nil
}

// send queues f for the presenter. If the queue stays full for longer than
// lateAfter, f is dropped and its captions wait for the next picture.
func (p *Player) send(ctx context.Context, f *Frame, present chan<- *Frame, back <-chan *Frame) bool {
	timer := time.NewTimer(p.lateAfter())
	defer timer.Stop()
	for {
		select {
		case present <- f:
			p.late = false
			return true
		case b := <-back:
			p.release(b)
		case <-timer.C:
			p.log.Debug("presenter late, dropping picture", "pts", f.Picture.PTS)
			p.pending = append(f.Captions, p.pending...)
			p.release(f)
			p.dropped.Add(1)
			p.late = true
			return false
		case <-ctx.Done():
			p.release(f)
			return false
		}
	}
}

// track learns the frame interval from consecutive picture timestamps.
func (p *Player) track(pts time.Duration) {
	if pts == decoder.NoPTS {
		return
	}
	if p.prevPTS != decoder.NoPTS {
		if d := pts - p.prevPTS; d > 0 && d <= maxFrameInterval {
			p.interval = d
		}
	}
	p.prevPTS = pts
}

func (p *Player) lateAfter() time.Duration {
	switch {
	case p.cfg.LateAfter > 0:
		return p.cfg.LateAfter
	case p.interval > 0:
		return p.interval
	default:
		return defaultLateAfter
	}
}

// finish collects the pictures still in flight when the source ends.
// Captions due after the last picture are counted as dropped.
func (p *Player) finish(ctx context.Context, present chan<- *Frame, back <-chan *Frame) error {
	s := p.session.Load()
	if s == nil {
		return nil
	}
	res, err := s.Decode(nil, decoder.NoPTS, decoder.NoPTS)
	if err = p.deliver(ctx, s, res, err, present, back); err != nil {
		return err
	}
	if n := len(p.pending); n > 0 {
		p.captionsDropped.Add(int64(n))
		p.log.Info("captions after the last picture discarded", "count", n)
		p.pending = p.pending[:0]
	}
	return nil
}

// open starts the session for the stream the access unit belongs to. For
// H.264 the SPS, when present, supplies the frame size, aspect ratio,
// reference count and codec configuration.
func (p *Player) open(au mpegts.AccessUnit) (*decoder.Session, error) {
	p.codec = mpegts.CodecFor(au.StreamType)
	hints := codec.Hints{Codec: p.codec}
	cfg := p.cfg.Decoder

	if p.codec == codec.H264 {
		sps, pps := h264.ParameterSets(au.Data)
		if sps != nil {
			info, err := h264.ParseSPS(sps)
			if err != nil {
				p.log.Warn("unreadable SPS", "error", err)
			} else {
				hints.Width, hints.Height = info.Width, info.Height
				hints.Aspect = info.DisplayAspect()
				hints.Extradata = h264.Extradata(sps, pps)
				if cfg.AllowedReferences == 0 {
					cfg.AllowedReferences = info.MaxRefFrames
				}
				p.log.Info("stream parameters", "codec", info.CodecString(),
					"width", info.Width, "height", info.Height,
					"refs", info.MaxRefFrames, "interlaced", info.Interlaced)
			}
		}
	}

	s, err := decoder.Open(hints, cfg)
	if err != nil {
		return nil, fmt.Errorf("player %s: open %s decoder: %w", p.cfg.Key, p.codec, err)
	}
	p.session.Store(s)
	return s, nil
}

func (p *Player) queueCaptions(frames []*ccx.CaptionFrame) {
	p.pending = append(p.pending, frames...)
	if n := len(p.pending) - maxPendingCaptions; n > 0 {
		p.captionsDropped.Add(int64(n))
		p.log.Debug("discarding stale captions", "count", n)
		p.pending = append(p.pending[:0], p.pending[n:]...)
	}
}

// takeCaptions removes and returns the pending captions due at or before
// pts. A picture without a timestamp takes them all.
func (p *Player) takeCaptions(pts time.Duration) []*ccx.CaptionFrame {
	if len(p.pending) == 0 {
		return nil
	}
	var due, keep []*ccx.CaptionFrame
	for _, c := range p.pending {
		// Picture timestamps have microsecond resolution.
		if pts == decoder.NoPTS || decoder.FromMPEG(c.PTS).Truncate(time.Microsecond) <= pts {
			due = append(due, c)
		} else {
			keep = append(keep, c)
		}
	}
	p.pending = append(p.pending[:0], keep...)
	return due
}

// reclaim releases every frame the presenter has already returned.
func (p *Player) reclaim(back <-chan *Frame) {
	for {
		select {
		case f := <-back:
			p.release(f)
		default:
			return
		}
	}
}

func (p *Player) release(f *Frame) {
	if s := p.session.Load(); s != nil {
		s.ClearPicture(&f.Picture)
	}
}

func (p *Player) shutdown(back <-chan *Frame) {
	for f := range back {
		p.release(f)
	}
	s := p.session.Load()
	if s == nil {
		return
	}
	s.Dispose()
	select {
	case <-s.Done():
		p.log.Info("decoder closed", "pictures", p.pictures.Load(), "dropped", p.dropped.Load())
	case <-time.After(disposeTimeout):
		p.log.Warn("decoder still holds frames after dispose", "outstanding", s.Stats().Outstanding)
	}
}

// Snapshot returns the player's counters and, once the decoder is open,
// its session stats.
func (p *Player) Snapshot() Snapshot {
	snap := Snapshot{
		Key:             p.cfg.Key,
		UptimeMs:        time.Since(p.start).Milliseconds(),
		AccessUnits:     p.units.Load(),
		Pictures:        p.pictures.Load(),
		Presented:       p.presented.Load(),
		Dropped:         p.dropped.Load(),
		Discontinuities: p.discontinuities.Load(),
		CaptionsDropped: p.captionsDropped.Load(),
		QueueDepth:      int(p.queueDepth.Load()),
		LastPTSMicros:   p.lastPTS.Load(),
	}
	if p.captions != nil {
		snap.Captions = p.captions.Count()
	}
	if s := p.session.Load(); s != nil {
		st := s.Stats()
		snap.Decoder = &st
	}
	return snap
}

// IsDecoderUnavailable reports whether err from Run means the stream cannot
// be hardware decoded at all, as opposed to failing mid-stream.
func IsDecoderUnavailable(err error) bool {
	return errors.Is(err, decoder.ErrHardwareDisabled) ||
		errors.Is(err, decoder.ErrUnsupportedCodec) ||
		errors.Is(err, decoder.ErrCapabilityMissing)
}
