package mpegts

import "errors"

const (
	packetSize = 188
	syncByte   = 0x47

	pidPAT  = 0x0000
	pidNull = 0x1FFF
)

var (
	errSync  = errors.New("mpegts: lost sync")
	errShort = errors.New("mpegts: short packet")
)

// packet is a view of one transport packet. payload aliases the read buffer.
type packet struct {
	pid           uint16
	cc            uint8
	pusi          bool
	tei           bool
	hasPayload    bool
	discontinuity bool
	payload       []byte
}

func parsePacket(buf []byte) (packet, error) {
	var p packet
	if len(buf) != packetSize {
		return p, errShort
	}
	if buf[0] != syncByte {
		return p, errSync
	}
	p.tei = buf[1]&0x80 != 0
	p.pusi = buf[1]&0x40 != 0
	p.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAF := buf[3]&0x20 != 0
	p.hasPayload = buf[3]&0x10 != 0
	p.cc = buf[3] & 0x0F

	off := 4
	if hasAF {
		afLen := int(buf[4])
		if afLen > 0 {
			p.discontinuity = buf[5]&0x80 != 0
		}
		off += 1 + afLen
	}
	if p.hasPayload && off < packetSize {
		p.payload = buf[off:]
	}
	return p, nil
}
