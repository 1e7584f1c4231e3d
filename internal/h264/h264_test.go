package h264

import (
	"bytes"
	"testing"
)

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}
	units := SplitAnnexB(data)
	want := []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d", len(units), len(want))
	}
	for i, typ := range want {
		if units[i].Type != typ {
			t.Errorf("unit %d: got type %d, want %d", i, units[i].Type, typ)
		}
	}
	if !bytes.Equal(units[2].Data, []byte{0x06, 0xFF, 0xFE}) {
		t.Errorf("SEI data: got %x", units[2].Data)
	}
}

func TestSplitAnnexBTrailingZeroBelongsToStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}
	units := SplitAnnexB(data)
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if len(units[0].Data) != 3 {
		t.Errorf("SEI length: got %d, want 3", len(units[0].Data))
	}
	if units[1].Type != NALTypeSlice {
		t.Errorf("second unit type: got %d, want %d", units[1].Type, NALTypeSlice)
	}
}

func TestSplitAnnexBShortInput(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {0x00, 0x01}, {1, 2, 3, 4, 5}} {
		if got := SplitAnnexB(in); got != nil {
			t.Errorf("SplitAnnexB(%x): got %d units, want none", in, len(got))
		}
	}
}

func TestParameterSetsAndExtradata(t *testing.T) {
	t.Parallel()
	au := []byte{
		0, 0, 0, 1, 0x09, 0xF0,
		0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1E,
		0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	sps, pps := ParameterSets(au)
	if !bytes.Equal(sps, []byte{0x67, 0x42, 0xE0, 0x1E}) {
		t.Errorf("sps: got %x", sps)
	}
	if !bytes.Equal(pps, []byte{0x68, 0xCE, 0x38, 0x80}) {
		t.Errorf("pps: got %x", pps)
	}

	want := []byte{0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1E, 0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80}
	if got := Extradata(sps, nil, pps); !bytes.Equal(got, want) {
		t.Errorf("extradata: got %x, want %x", got, want)
	}

	if s, p := ParameterSets([]byte{0, 0, 0, 1, 0x41, 0x9A}); s != nil || p != nil {
		t.Errorf("slice-only unit: got sps %x pps %x, want none", s, p)
	}
}

func TestParseSPSVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           []byte
		width, height int
		codec         string
	}{
		{
			name: "high 720p",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			width: 1280, height: 720, codec: "avc1.64001F",
		},
		{
			name: "main 256x192",
			sps: []byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			width: 256, height: 192, codec: "avc1.4D401F",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tc.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tc.width || info.Height != tc.height {
				t.Errorf("size: got %dx%d, want %dx%d", info.Width, info.Height, tc.width, tc.height)
			}
			if got := info.CodecString(); got != tc.codec {
				t.Errorf("codec: got %s, want %s", got, tc.codec)
			}
		})
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {}, {0x67, 0x64, 0x00}, {0x67, 0x42, 0x00, 0x1E}} {
		if _, err := ParseSPS(in); err == nil {
			t.Errorf("ParseSPS(%x): expected error", in)
		}
	}
}

// bitWriter builds synthetic parameter sets.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) u(n int, v uint) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit % 8)
		}
		w.nbit++
	}
}

func (w *bitWriter) ue(v uint) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.u(n, 0)
	w.u(n+1, v)
}

type spsParams struct {
	widthMbs, heightMapUnits uint
	frameMbsOnly             bool
	refs                     uint
	cropBottom               uint
	sarIdc                   uint
	sarNum, sarDen           uint
	vui                      bool
}

// baselineSPS writes a baseline-profile SPS with POC type 2.
func baselineSPS(p spsParams) []byte {
	w := &bitWriter{}
	w.u(8, 0x67)
	w.u(8, 66) // profile_idc
	w.u(8, 0)  // constraint flags
	w.u(8, 30) // level_idc
	w.ue(0)    // seq_parameter_set_id
	w.ue(0)    // log2_max_frame_num_minus4
	w.ue(2)    // pic_order_cnt_type
	w.ue(p.refs)
	w.u(1, 0)
	w.ue(p.widthMbs - 1)
	w.ue(p.heightMapUnits - 1)
	if p.frameMbsOnly {
		w.u(1, 1)
	} else {
		w.u(1, 0)
		w.u(1, 0)
	}
	w.u(1, 1) // direct_8x8_inference_flag
	if p.cropBottom > 0 {
		w.u(1, 1)
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(p.cropBottom)
	} else {
		w.u(1, 0)
	}
	if !p.vui {
		w.u(1, 0)
	} else {
		w.u(1, 1)
		w.u(1, 1)
		w.u(8, p.sarIdc)
		if p.sarIdc == sarExtended {
			w.u(16, p.sarNum)
			w.u(16, p.sarDen)
		}
		w.u(1, 0) // overscan_info_present_flag
	}
	w.u(1, 1) // rbsp_stop_one_bit
	return w.buf
}

func TestParseSPSSynthetic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		params         spsParams
		width, height  int
		refs           int
		interlaced     bool
		sarNum, sarDen int
		aspect         float64
	}{
		{
			name:   "progressive without VUI",
			params: spsParams{widthMbs: 45, heightMapUnits: 30, frameMbsOnly: true, refs: 3},
			width:  720, height: 480, refs: 3,
		},
		{
			name:   "NTSC 4:3 SAR 10:11",
			params: spsParams{widthMbs: 45, heightMapUnits: 30, frameMbsOnly: true, refs: 1, vui: true, sarIdc: 3},
			width:  720, height: 480, refs: 1, sarNum: 10, sarDen: 11,
			aspect: 720.0 * 10 / (480 * 11),
		},
		{
			name:   "interlaced 1080 with crop",
			params: spsParams{widthMbs: 120, heightMapUnits: 34, refs: 4, cropBottom: 2, vui: true, sarIdc: 1},
			width:  1920, height: 1080, refs: 4, interlaced: true, sarNum: 1, sarDen: 1,
			aspect: 1920.0 / 1080,
		},
		{
			name:   "extended SAR",
			params: spsParams{widthMbs: 90, heightMapUnits: 68, frameMbsOnly: true, cropBottom: 4, vui: true, sarIdc: sarExtended, sarNum: 4, sarDen: 3},
			width:  1440, height: 1080, sarNum: 4, sarDen: 3,
			aspect: 1440.0 * 4 / (1080 * 3),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(baselineSPS(tc.params))
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tc.width || info.Height != tc.height {
				t.Errorf("size: got %dx%d, want %dx%d", info.Width, info.Height, tc.width, tc.height)
			}
			if info.MaxRefFrames != tc.refs {
				t.Errorf("refs: got %d, want %d", info.MaxRefFrames, tc.refs)
			}
			if info.Interlaced != tc.interlaced {
				t.Errorf("interlaced: got %v, want %v", info.Interlaced, tc.interlaced)
			}
			if info.SARNum != tc.sarNum || info.SARDen != tc.sarDen {
				t.Errorf("SAR: got %d:%d, want %d:%d", info.SARNum, info.SARDen, tc.sarNum, tc.sarDen)
			}
			if got := info.DisplayAspect(); got != tc.aspect {
				t.Errorf("aspect: got %v, want %v", got, tc.aspect)
			}
			if info.ProfileIDC != 66 || info.LevelIDC != 30 {
				t.Errorf("profile/level: got %d/%d, want 66/30", info.ProfileIDC, info.LevelIDC)
			}
		})
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	t.Parallel()
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03}
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	if got := removeEmulationPrevention(in); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
