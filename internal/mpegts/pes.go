package mpegts

import "errors"

var errPES = errors.New("mpegts: malformed PES header")

type pesHeader struct {
	streamID byte
	length   int // PES_packet_length; 0 means unbounded
	pts      int64
	dts      int64
	dataOff  int
}

// parsePESHeader decodes the fixed and optional PES header. Timestamps that
// are absent are NoTimestamp; a PES without a DTS uses its PTS.
func parsePESHeader(b []byte) (pesHeader, error) {
	h := pesHeader{pts: NoTimestamp, dts: NoTimestamp}
	if len(b) < 9 || b[0] != 0x00 || b[1] != 0x00 || b[2] != 0x01 {
		return h, errPES
	}
	h.streamID = b[3]
	h.length = int(b[4])<<8 | int(b[5])

	flags := b[7] >> 6
	h.dataOff = 9 + int(b[8])
	if h.dataOff > len(b) {
		return h, errPES
	}
	if flags&0x2 != 0 {
		if len(b) < 14 {
			return h, errPES
		}
		h.pts = readTimestamp(b[9:14])
		h.dts = h.pts
	}
	if flags == 0x3 {
		if len(b) < 19 {
			return h, errPES
		}
		h.dts = readTimestamp(b[14:19])
	}
	return h, nil
}

// readTimestamp extracts a 33-bit 90 kHz timestamp from 5 PES bytes.
func readTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
