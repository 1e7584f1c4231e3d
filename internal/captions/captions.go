// Package captions pulls CEA-608 and CEA-708 closed captions out of the
// A/53 SEI messages carried in H.264 access units.
package captions

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/hwdec/internal/h264"
)

// Extractor decodes captions across a sequence of access units. CEA-608
// channels 1-4 keep their own decoder state; CEA-708 services 1-6 are
// reported as channels 7-12. An Extractor is not safe for concurrent use,
// except for Count.
type Extractor struct {
	log    *slog.Logger
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	units        int64
	lastCtrl     [2][2]byte
	lastWasCtrl  [2]bool
	lastCtrlUnit [2]int64

	frames atomic.Int64
}

// New returns an Extractor. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{
		log:    log.With("component", "captions"),
		cea608: make(map[int]*ccx.CEA608Decoder),
		cea708: make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		e.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.cea708[svc] = ccx.NewCEA708Service()
	}
	return e
}

// Count returns the number of caption frames produced so far.
func (e *Extractor) Count() int64 { return e.frames.Load() }

// Extract scans one Annex B access unit for caption SEI messages and
// returns the caption frames that became displayable, stamped with pts.
func (e *Extractor) Extract(au []byte, pts int64) []*ccx.CaptionFrame {
	e.units++
	var out []*ccx.CaptionFrame
	for _, nal := range h264.SplitAnnexB(au) {
		if nal.Type == h264.NALTypeSEI {
			out = e.handleSEI(nal.Data, pts, out)
		}
	}
	if len(out) > 0 {
		e.frames.Add(int64(len(out)))
		e.log.Debug("captions", "pts", pts, "frames", len(out))
	}
	return out
}

func (e *Extractor) handleSEI(sei []byte, pts int64, out []*ccx.CaptionFrame) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return out
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field

		// Control codes are transmitted twice; act on the first only.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if e.lastWasCtrl[f] && e.lastCtrl[f] == cp && e.units-e.lastCtrlUnit[f] <= 2 {
				e.lastWasCtrl[f] = false
				continue
			}
			e.lastCtrl[f] = cp
			e.lastWasCtrl[f] = true
			e.lastCtrlUnit[f] = e.units
		} else {
			e.lastWasCtrl[f] = false
		}

		dec := e.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			out = append(out, frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = e.drainDTVCC(pts, out)
			e.dtvcc = e.dtvcc[:0]
		}
		e.dtvcc = append(e.dtvcc, t.Data[0], t.Data[1])
	}
	return out
}

func (e *Extractor) drainDTVCC(pts int64, out []*ccx.CaptionFrame) []*ccx.CaptionFrame {
	if len(e.dtvcc) < 1 {
		return out
	}
	size := ccx.DTVCCPacketSize(e.dtvcc[0])
	if len(e.dtvcc) < size {
		return out
	}
	for _, block := range ccx.ParseDTVCCPacket(e.dtvcc[:size]) {
		svc := e.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			out = append(out, frame)
		}
	}
	e.dtvcc = e.dtvcc[size:]
	return out
}
