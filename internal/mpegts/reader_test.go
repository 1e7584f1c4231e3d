package mpegts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/hwdec/internal/codec"
)

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
	testAudioPID = 0x101
)

// tsWriter packetizes payloads into 188-byte packets, stuffing the final
// packet of each payload through the adaptation field.
type tsWriter struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

func newTSWriter() *tsWriter {
	return &tsWriter{cc: make(map[uint16]uint8)}
}

func (w *tsWriter) write(pid uint16, payload []byte) {
	first := true
	for {
		pkt := make([]byte, packetSize)
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		cc := w.cc[pid]
		w.cc[pid] = (cc + 1) & 0x0F

		room := packetSize - 4
		if len(payload) >= room {
			pkt[3] = 0x10 | cc
			copy(pkt[4:], payload[:room])
			payload = payload[room:]
		} else {
			pkt[3] = 0x30 | cc
			afLen := room - 1 - len(payload)
			pkt[4] = byte(afLen)
			if afLen > 0 {
				pkt[5] = 0x00
				for i := 6; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[5+afLen:], payload)
			payload = nil
		}
		w.buf.Write(pkt)
		first = false
		if len(payload) == 0 {
			return
		}
	}
}

func (w *tsWriter) writeRaw(pkt []byte) { w.buf.Write(pkt) }

func buildPAT(programs map[uint16]uint16) []byte {
	sectionLength := 5 + 4*len(programs) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3], data[4] = 0x00, 0x01
	data[5] = 0xC1
	off := 8
	for num, pid := range programs {
		data[off] = byte(num >> 8)
		data[off+1] = byte(num)
		data[off+2] = 0xE0 | byte(pid>>8)&0x1F
		data[off+3] = byte(pid)
		off += 4
	}
	binary.BigEndian.PutUint32(data[off:], crc32MPEG(data[:off]))
	return append([]byte{0x00}, data...)
}

type esEntry struct {
	streamType uint8
	pid        uint16
}

func buildPMT(streams ...esEntry) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3], data[4] = 0x00, 0x01
	data[5] = 0xC1
	data[8], data[9] = 0xE1, 0x00
	data[10], data[11] = 0xF0, 0x00
	off := 12
	for _, s := range streams {
		data[off] = s.streamType
		data[off+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[off+2] = byte(s.pid)
		data[off+3], data[off+4] = 0xF0, 0x00
		off += 5
	}
	binary.BigEndian.PutUint32(data[off:], crc32MPEG(data[:off]))
	return append([]byte{0x00}, data...)
}

func encodeTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func buildPES(streamID byte, pts, dts int64, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0x3
		opt = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
	case pts >= 0:
		flags = 0x2
		opt = encodeTimestamp(0x2, pts)
	}
	length := 3 + len(opt) + len(data)
	if streamID == 0xE0 {
		length = 0
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(opt))}
	pes = append(pes, opt...)
	return append(pes, data...)
}

func writeTables(w *tsWriter, streams ...esEntry) {
	w.write(pidPAT, buildPAT(map[uint16]uint16{1: testPMTPID}))
	w.write(testPMTPID, buildPMT(streams...))
}

func readAll(t *testing.T, r *Reader) []AccessUnit {
	t.Helper()
	var out []AccessUnit
	for {
		au, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, au)
	}
}

func TestReaderReassemblesVideo(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{0x0F, testAudioPID}, esEntry{StreamTypeH264, testVideoPID})

	big := bytes.Repeat([]byte{0xAB}, 1000)
	w.write(testVideoPID, buildPES(0xE0, 183003, 180000, []byte{0, 0, 0, 1, 0x65, 1}))
	w.write(testAudioPID, buildPES(0xC0, 180000, -1, []byte{0xFF, 0xF1}))
	w.write(testVideoPID, buildPES(0xE0, 186006, -1, big))

	r := NewReader(&w.buf, nil)
	aus := readAll(t, r)
	if len(aus) != 2 {
		t.Fatalf("access units: got %d, want 2", len(aus))
	}
	if r.StreamType() != StreamTypeH264 {
		t.Errorf("stream type: got %#x, want %#x", r.StreamType(), StreamTypeH264)
	}

	first := aus[0]
	if first.PTS != 183003 || first.DTS != 180000 {
		t.Errorf("first timestamps: got pts %d dts %d, want 183003 and 180000", first.PTS, first.DTS)
	}
	if !bytes.Equal(first.Data, []byte{0, 0, 0, 1, 0x65, 1}) {
		t.Errorf("first data: got %x", first.Data)
	}
	if first.StreamType != StreamTypeH264 {
		t.Errorf("first stream type: got %#x", first.StreamType)
	}

	second := aus[1]
	if second.PTS != 186006 || second.DTS != 186006 {
		t.Errorf("second timestamps: got pts %d dts %d, want 186006 for both", second.PTS, second.DTS)
	}
	if !bytes.Equal(second.Data, big) {
		t.Errorf("second data: got %d bytes, want %d", len(second.Data), len(big))
	}

	st := r.Stats()
	if st.AccessUnits != 2 || st.CCErrors != 0 || st.Corrupt != 0 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestReaderMissingTimestamps(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{StreamTypeMPEG2Video, testVideoPID})
	w.write(testVideoPID, buildPES(0xE0, -1, -1, []byte{0, 0, 1, 0xB3}))

	aus := readAll(t, NewReader(&w.buf, nil))
	if len(aus) != 1 {
		t.Fatalf("access units: got %d, want 1", len(aus))
	}
	if aus[0].PTS != NoTimestamp || aus[0].DTS != NoTimestamp {
		t.Errorf("timestamps: got pts %d dts %d, want NoTimestamp", aus[0].PTS, aus[0].DTS)
	}
}

func TestReaderIgnoresVideoBeforeTables(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	w.write(testVideoPID, buildPES(0xE0, 0, -1, []byte{1}))
	writeTables(w, esEntry{StreamTypeH264, testVideoPID})
	w.write(testVideoPID, buildPES(0xE0, 3003, -1, []byte{2}))

	aus := readAll(t, NewReader(&w.buf, nil))
	if len(aus) != 1 || aus[0].PTS != 3003 {
		t.Fatalf("access units: got %+v, want one with pts 3003", aus)
	}
}

func TestReaderRejectsBadCRC(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	pat := buildPAT(map[uint16]uint16{1: testPMTPID})
	pat[len(pat)-1] ^= 0xFF
	w.write(pidPAT, pat)
	w.write(testPMTPID, buildPMT(esEntry{StreamTypeH264, testVideoPID}))
	w.write(testVideoPID, buildPES(0xE0, 0, -1, []byte{1}))

	r := NewReader(&w.buf, nil)
	if aus := readAll(t, r); len(aus) != 0 {
		t.Errorf("access units: got %d, want 0", len(aus))
	}
	if st := r.Stats(); st.SectionErrors != 1 {
		t.Errorf("section errors: got %d, want 1", st.SectionErrors)
	}
}

func TestReaderContinuityError(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{StreamTypeH264, testVideoPID})
	w.write(testVideoPID, buildPES(0xE0, 0, -1, []byte{0}))
	w.write(testVideoPID, buildPES(0xE0, 3003, -1, bytes.Repeat([]byte{1}, 400)))
	// The unit in progress when packets go missing is discarded.
	w.cc[testVideoPID] = (w.cc[testVideoPID] + 3) & 0x0F
	w.write(testVideoPID, buildPES(0xE0, 6006, -1, []byte{2}))
	w.write(testVideoPID, buildPES(0xE0, 9009, -1, []byte{3}))

	r := NewReader(&w.buf, nil)
	aus := readAll(t, r)
	if len(aus) != 3 {
		t.Fatalf("access units: got %d, want 3", len(aus))
	}
	for i, want := range []int64{0, 6006, 9009} {
		if aus[i].PTS != want {
			t.Errorf("unit %d pts: got %d, want %d", i, aus[i].PTS, want)
		}
	}
	if !aus[1].Discontinuity {
		t.Error("unit after a gap should be marked discontinuous")
	}
	if aus[0].Discontinuity || aus[2].Discontinuity {
		t.Error("only the unit after the gap should be marked")
	}
	if st := r.Stats(); st.CCErrors != 1 {
		t.Errorf("cc errors: got %d, want 1", st.CCErrors)
	}
}

func TestReaderSkipsCorruptPackets(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{StreamTypeH264, testVideoPID})
	bad := make([]byte, packetSize)
	bad[0] = 0x00
	w.writeRaw(bad)
	w.write(testVideoPID, buildPES(0xE0, 0, -1, []byte{7}))
	w.writeRaw([]byte{syncByte, 0x01})

	r := NewReader(&w.buf, nil)
	aus := readAll(t, r)
	if len(aus) != 1 || !bytes.Equal(aus[0].Data, []byte{7}) {
		t.Fatalf("access units: got %+v", aus)
	}
	if st := r.Stats(); st.Corrupt != 1 {
		t.Errorf("corrupt: got %d, want 1", st.Corrupt)
	}
}

func TestReaderRun(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{StreamTypeH264, testVideoPID})
	for i := 0; i < 5; i++ {
		w.write(testVideoPID, buildPES(0xE0, int64(i)*3003, -1, []byte{byte(i)}))
	}

	out := make(chan AccessUnit, 10)
	if err := NewReader(&w.buf, nil).Run(context.Background(), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	n := 0
	for au := range out {
		if au.PTS != int64(n)*3003 {
			t.Errorf("unit %d pts: got %d, want %d", n, au.PTS, int64(n)*3003)
		}
		n++
	}
	if n != 5 {
		t.Errorf("units: got %d, want 5", n)
	}
}

func TestReaderRunCancelled(t *testing.T) {
	t.Parallel()
	w := newTSWriter()
	writeTables(w, esEntry{StreamTypeH264, testVideoPID})
	w.write(testVideoPID, buildPES(0xE0, 0, -1, []byte{1}))
	w.write(testVideoPID, buildPES(0xE0, 1, -1, []byte{2}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan AccessUnit)
	if err := NewReader(&w.buf, nil).Run(ctx, out); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if _, ok := <-out; ok {
		t.Error("out should be closed")
	}
}

func TestCodecFor(t *testing.T) {
	t.Parallel()
	tests := map[uint8]codec.ID{
		StreamTypeH264:       codec.H264,
		StreamTypeMPEG2Video: codec.MPEG2Video,
		StreamTypeMPEG1Video: codec.MPEG1Video,
		StreamTypeMPEG4Video: codec.MPEG4,
		StreamTypeVC1:        codec.VC1,
		StreamTypeHEVC:       codec.HEVC,
		0x0F:                 codec.Unknown,
	}
	for st, want := range tests {
		if got := CodecFor(st); got != want {
			t.Errorf("CodecFor(%#x): got %v, want %v", st, got, want)
		}
	}
}

func TestCRC32MPEG(t *testing.T) {
	t.Parallel()
	section := buildPAT(map[uint16]uint16{1: 0x1000})[1:]
	if crc32MPEG(section) != 0 {
		t.Error("section with appended CRC should check to zero")
	}
	if got := crc32MPEG([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("check value: got %#08x, want 0x0376e6e7", got)
	}
}
