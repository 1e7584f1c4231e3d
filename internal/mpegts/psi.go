package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// MPEG-2 CRC32, polynomial 0x04C11DB7.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

var errCRC = errors.New("mpegts: section CRC mismatch")

type program struct {
	number uint16
	pmtPID uint16
}

type elementaryStream struct {
	pid        uint16
	streamType uint8
}

// sectionBuffer gathers one PSI section that may span several packets.
type sectionBuffer struct {
	data []byte
}

// add feeds one packet payload and returns a complete section, if any.
func (sb *sectionBuffer) add(p packet) []byte {
	payload := p.payload
	if p.pusi {
		if len(payload) == 0 {
			return nil
		}
		ptr := int(payload[0])
		if 1+ptr >= len(payload) {
			sb.data = sb.data[:0]
			return nil
		}
		sb.data = append(sb.data[:0], payload[1+ptr:]...)
	} else {
		if len(sb.data) == 0 {
			return nil
		}
		sb.data = append(sb.data, payload...)
	}
	if len(sb.data) < 3 {
		return nil
	}
	end := 3 + (int(sb.data[1]&0x0F)<<8 | int(sb.data[2]))
	if len(sb.data) < end {
		return nil
	}
	section := sb.data[:end]
	sb.data = sb.data[:0]
	return section
}

func checkSection(section []byte, tableID byte, minLen int) error {
	if len(section) < minLen {
		return fmt.Errorf("mpegts: table %#x: section too short (%d bytes)", tableID, len(section))
	}
	if section[0] != tableID {
		return fmt.Errorf("mpegts: unexpected table id %#x, want %#x", section[0], tableID)
	}
	if section[1]&0x80 == 0 {
		return fmt.Errorf("mpegts: table %#x: section syntax indicator not set", tableID)
	}
	if crc32MPEG(section) != 0 {
		return fmt.Errorf("table %#x: %w", tableID, errCRC)
	}
	return nil
}

// parsePAT returns the programs of a PAT section. Program 0 (the network
// PID) is skipped.
func parsePAT(section []byte) ([]program, error) {
	if err := checkSection(section, tableIDPAT, 12); err != nil {
		return nil, err
	}
	var progs []program
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := uint16(section[i])<<8 | uint16(section[i+1])
		if num == 0 {
			continue
		}
		progs = append(progs, program{
			number: num,
			pmtPID: uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]),
		})
	}
	return progs, nil
}

func parsePMT(section []byte) ([]elementaryStream, error) {
	if err := checkSection(section, tableIDPMT, 16); err != nil {
		return nil, err
	}
	end := len(section) - 4
	off := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))
	var streams []elementaryStream
	for off+5 <= end {
		streams = append(streams, elementaryStream{
			streamType: section[off],
			pid:        uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		})
		off += 5 + (int(section[off+3]&0x0F)<<8 | int(section[off+4]))
	}
	return streams, nil
}
