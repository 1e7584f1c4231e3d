// Package mpegts reads an MPEG transport stream and reassembles its first
// video elementary stream into access units, one per PES packet. Program
// tables are discovered from the PAT and PMT; sections are CRC-checked.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/hwdec/internal/codec"
)

// NoTimestamp marks a PTS or DTS that the PES header did not carry.
const NoTimestamp int64 = -1

// Video stream types from ISO/IEC 13818-1 and its registrations.
const (
	StreamTypeMPEG1Video = 0x01
	StreamTypeMPEG2Video = 0x02
	StreamTypeMPEG4Video = 0x10
	StreamTypeH264       = 0x1B
	StreamTypeHEVC       = 0x24
	StreamTypeVC1        = 0xEA
)

// CodecFor maps a PMT stream type to a codec identifier. Non-video stream
// types map to codec.Unknown.
func CodecFor(streamType uint8) codec.ID {
	switch streamType {
	case StreamTypeMPEG1Video:
		return codec.MPEG1Video
	case StreamTypeMPEG2Video:
		return codec.MPEG2Video
	case StreamTypeMPEG4Video:
		return codec.MPEG4
	case StreamTypeH264:
		return codec.H264
	case StreamTypeHEVC:
		return codec.HEVC
	case StreamTypeVC1:
		return codec.VC1
	default:
		return codec.Unknown
	}
}

func isVideo(streamType uint8) bool {
	return CodecFor(streamType) != codec.Unknown
}

// AccessUnit is one reassembled video PES payload.
type AccessUnit struct {
	Data       []byte
	PTS        int64 // 90 kHz, NoTimestamp if absent
	DTS        int64 // 90 kHz, equal to PTS when only PTS was sent
	StreamType uint8
	// Discontinuity is set when packets were lost before this unit.
	Discontinuity bool
}

// Stats counts what the reader has seen.
type Stats struct {
	Packets       int64 `json:"packets"`
	Corrupt       int64 `json:"corrupt"`
	CCErrors      int64 `json:"ccErrors"`
	SectionErrors int64 `json:"sectionErrors"`
	AccessUnits   int64 `json:"accessUnits"`
}

// Reader demuxes the first video stream of a transport stream. It is not
// safe for concurrent use, except for Stats.
type Reader struct {
	r   io.Reader
	log *slog.Logger
	buf []byte

	pat      sectionBuffer
	pmts     map[uint16]*sectionBuffer
	videoPID uint16
	selected bool
	stype    uint8

	pes       []byte
	pesActive bool
	lastCC    int
	lost      bool

	ready []AccessUnit
	eof   bool

	packets       atomic.Int64
	corrupt       atomic.Int64
	ccErrors      atomic.Int64
	sectionErrors atomic.Int64
	units         atomic.Int64
}

// NewReader returns a Reader consuming 188-byte packets from r.
func NewReader(r io.Reader, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		r:      r,
		log:    log.With("component", "mpegts"),
		buf:    make([]byte, packetSize),
		pmts:   make(map[uint16]*sectionBuffer),
		lastCC: -1,
	}
}

// StreamType returns the selected video stream type, or 0 before the PMT
// has been seen.
func (r *Reader) StreamType() uint8 { return r.stype }

// Stats returns a snapshot of the reader's counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Packets:       r.packets.Load(),
		Corrupt:       r.corrupt.Load(),
		CCErrors:      r.ccErrors.Load(),
		SectionErrors: r.sectionErrors.Load(),
		AccessUnits:   r.units.Load(),
	}
}

// Next returns the next access unit. At the end of the input it flushes the
// unit in progress and then returns io.EOF.
func (r *Reader) Next() (AccessUnit, error) {
	for {
		if len(r.ready) > 0 {
			au := r.ready[0]
			r.ready = r.ready[1:]
			return au, nil
		}
		if r.eof {
			return AccessUnit{}, io.EOF
		}

		if _, err := io.ReadFull(r.r, r.buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.eof = true
				r.finishPES()
				continue
			}
			return AccessUnit{}, fmt.Errorf("mpegts: read: %w", err)
		}
		r.packets.Add(1)

		p, err := parsePacket(r.buf)
		if err != nil || p.tei {
			r.corrupt.Add(1)
			continue
		}
		r.handle(p)
	}
}

// Run reads access units into out until the input ends or ctx is done. It
// closes out before returning. The end of input is not an error.
func (r *Reader) Run(ctx context.Context, out chan<- AccessUnit) error {
	defer close(out)
	for {
		au, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- au:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reader) handle(p packet) {
	switch {
	case p.pid == pidNull:
	case p.pid == pidPAT:
		if section := r.pat.add(p); section != nil {
			r.onPAT(section)
		}
	case r.selected && p.pid == r.videoPID:
		r.onVideo(p)
	default:
		if sb, ok := r.pmts[p.pid]; ok {
			if section := sb.add(p); section != nil {
				r.onPMT(section)
			}
		}
	}
}

func (r *Reader) onPAT(section []byte) {
	progs, err := parsePAT(section)
	if err != nil {
		r.sectionErrors.Add(1)
		r.log.Debug("bad PAT", "error", err)
		return
	}
	for _, pg := range progs {
		if _, ok := r.pmts[pg.pmtPID]; !ok {
			r.pmts[pg.pmtPID] = &sectionBuffer{}
			r.log.Debug("program", "number", pg.number, "pmt_pid", pg.pmtPID)
		}
	}
}

func (r *Reader) onPMT(section []byte) {
	streams, err := parsePMT(section)
	if err != nil {
		r.sectionErrors.Add(1)
		r.log.Debug("bad PMT", "error", err)
		return
	}
	if r.selected {
		return
	}
	for _, es := range streams {
		if !isVideo(es.streamType) {
			continue
		}
		r.selected = true
		r.videoPID = es.pid
		r.stype = es.streamType
		r.log.Info("video stream selected", "pid", es.pid,
			"stream_type", fmt.Sprintf("0x%02X", es.streamType),
			"codec", CodecFor(es.streamType).String())
		return
	}
}

func (r *Reader) onVideo(p packet) {
	if p.hasPayload {
		if r.lastCC >= 0 && int(p.cc) != (r.lastCC+1)&0x0F && int(p.cc) != r.lastCC && !p.discontinuity {
			r.ccErrors.Add(1)
			r.log.Debug("continuity error", "pid", p.pid, "got", p.cc, "want", (r.lastCC+1)&0x0F)
			r.pes = r.pes[:0]
			r.pesActive = false
			r.lost = true
		}
		if int(p.cc) == r.lastCC && !p.pusi {
			// Duplicate packet.
			return
		}
		r.lastCC = int(p.cc)
	}
	if len(p.payload) == 0 {
		return
	}

	if p.pusi {
		r.finishPES()
		r.pes = append(r.pes[:0], p.payload...)
		r.pesActive = true
	} else if r.pesActive {
		r.pes = append(r.pes, p.payload...)
	} else {
		return
	}

	// Bounded PES packets complete without waiting for the next start.
	if len(r.pes) >= 6 {
		if n := int(r.pes[4])<<8 | int(r.pes[5]); n > 0 && len(r.pes) >= 6+n {
			r.pes = r.pes[:6+n]
			r.finishPES()
		}
	}
}

func (r *Reader) finishPES() {
	if !r.pesActive {
		return
	}
	r.pesActive = false
	h, err := parsePESHeader(r.pes)
	if err != nil {
		r.corrupt.Add(1)
		r.log.Debug("dropping PES", "error", err)
		return
	}
	data := r.pes[h.dataOff:]
	if len(data) == 0 {
		return
	}
	au := AccessUnit{
		Data:          append([]byte(nil), data...),
		PTS:           h.pts,
		DTS:           h.dts,
		StreamType:    r.stype,
		Discontinuity: r.lost,
	}
	r.lost = false
	r.units.Add(1)
	r.ready = append(r.ready, au)
}
