package h264

import (
	"errors"
	"fmt"
)

var errSPSTooShort = errors.New("h264: SPS data too short")

// SPSInfo holds the sequence parameters that size a decoder session.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	// MaxRefFrames is max_num_ref_frames.
	MaxRefFrames int
	// Interlaced is set when frame_mbs_only_flag is 0.
	Interlaced bool
	// SARNum and SARDen give the sample aspect ratio from the VUI, 0 when
	// unspecified.
	SARNum, SARDen int
}

// CodecString returns the RFC 6381 codec parameter string, e.g.
// "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// DisplayAspect returns the display aspect ratio implied by the frame size
// and sample aspect ratio, or 0 when either is unknown.
func (s SPSInfo) DisplayAspect() float64 {
	if s.SARNum <= 0 || s.SARDen <= 0 || s.Width <= 0 || s.Height <= 0 {
		return 0
	}
	return float64(s.Width*s.SARNum) / float64(s.Height*s.SARDen)
}

// Table E-1.
var sarTable = [...][2]int{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11},
	{32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

const sarExtended = 255

// bitReader reads an RBSP MSB first. The first read past the end sets err;
// later reads return 0.
type bitReader struct {
	data []byte
	pos  int
	bit  int
	err  error
}

func (br *bitReader) u(n int) uint {
	var val uint
	for i := 0; i < n; i++ {
		if br.pos >= len(br.data) {
			br.err = errSPSTooShort
			return 0
		}
		val = val<<1 | uint(br.data[br.pos]>>(7-br.bit)&1)
		if br.bit++; br.bit == 8 {
			br.bit = 0
			br.pos++
		}
	}
	return val
}

func (br *bitReader) flag() bool { return br.u(1) == 1 }

func (br *bitReader) ue() uint {
	zeros := 0
	for br.err == nil && br.u(1) == 0 {
		if zeros++; zeros > 31 {
			br.err = errSPSTooShort
		}
	}
	if br.err != nil || zeros == 0 {
		return 0
	}
	return 1<<zeros - 1 + br.u(zeros)
}

func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

func highProfile(idc uint) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an SPS NAL unit, header byte included and start code
// excluded. VUI fields after the aspect ratio are not read.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	br := &bitReader{data: removeEmulationPrevention(nalu[1:])}

	profile := br.u(8)
	constraints := br.u(8)
	level := br.u(8)
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separateColourPlane := false
	if highProfile(profile) {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separateColourPlane = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag

		// seq_scaling_matrix_present_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() { // pic_order_cnt_type
	case 0:
		br.ue()
	case 1:
		br.u(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}

	maxRefFrames := br.ue()
	br.u(1) // gaps_in_frame_num_value_allowed_flag
	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if br.flag() {
		cropLeft, cropRight, cropTop, cropBottom = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	chromaArrayType := chromaFormat
	if separateColourPlane {
		chromaArrayType = 0
	}
	subWidthC, subHeightC := uint(2), uint(2)
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info := SPSInfo{
		Width:           int(widthMbs*16 - cropUnitX*(cropLeft+cropRight)),
		Height:          int(heightMapUnits*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
		MaxRefFrames:    int(maxRefFrames),
		Interlaced:      frameMbsOnly == 0,
	}

	// vui_parameters_present_flag, then aspect_ratio_info_present_flag. A
	// truncated VUI still leaves a usable frame size.
	if !br.flag() || !br.flag() {
		return info, nil
	}
	idc := br.u(8)
	var num, den uint
	switch {
	case idc == sarExtended:
		num, den = br.u(16), br.u(16)
	case idc < uint(len(sarTable)):
		num, den = uint(sarTable[idc][0]), uint(sarTable[idc][1])
	}
	if br.err == nil {
		info.SARNum, info.SARDen = int(num), int(den)
	}
	return info, nil
}
