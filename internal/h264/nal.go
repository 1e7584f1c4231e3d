// Package h264 reads the parts of an H.264 Annex B stream the player needs
// before a decoder session can be opened: NAL unit boundaries and the
// sequence parameter set.
package h264

// NAL unit types from ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte
	Data []byte // header byte included, start code excluded
}

// SplitAnnexB returns the NAL units of an Annex B byte stream. Both 3-byte
// and 4-byte start codes are recognized; a zero byte before a 3-byte start
// code belongs to the start code.
func SplitAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// ParameterSets returns the first SPS and PPS found in an access unit, or
// nil for either one that is absent.
func ParameterSets(au []byte) (sps, pps []byte) {
	for _, u := range SplitAnnexB(au) {
		switch {
		case u.Type == NALTypeSPS && sps == nil:
			sps = u.Data
		case u.Type == NALTypePPS && pps == nil:
			pps = u.Data
		}
	}
	return sps, pps
}

// Extradata joins parameter sets into an Annex B blob with 4-byte start
// codes, the codec configuration layout hardware decoders accept.
func Extradata(sets ...[]byte) []byte {
	var out []byte
	for _, s := range sets {
		if len(s) == 0 {
			continue
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, s...)
	}
	return out
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
