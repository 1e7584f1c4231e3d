package codec

import (
	"testing"

	"github.com/zsiec/hwdec/internal/hw"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id       ID
		encoding hw.Encoding
		name     string
		requires Capability
	}{
		{H264, hw.EncodingH264, "omx-h264", 0},
		{H263, hw.EncodingMP4V, "omx-mpeg4", 0},
		{MPEG4, hw.EncodingMP4V, "omx-mpeg4", 0},
		{MPEG1Video, hw.EncodingMP2V, "omx-mpeg2", CapMPEG2},
		{MPEG2Video, hw.EncodingMP2V, "omx-mpeg2", CapMPEG2},
		{VP6, hw.EncodingVP6, "omx-vp6", 0},
		{VP6F, hw.EncodingVP6, "omx-vp6", 0},
		{VP6A, hw.EncodingVP6, "omx-vp6", 0},
		{VP8, hw.EncodingVP8, "omx-vp8", 0},
		{Theora, hw.EncodingTheora, "omx-theora", 0},
		{MJPEG, hw.EncodingMJPEG, "omx-mjpg", 0},
		{MJPEGB, hw.EncodingMJPEG, "omx-mjpg", 0},
		{VC1, hw.EncodingWVC1, "omx-vc1", CapVC1},
		{WMV3, hw.EncodingWVC1, "omx-vc1", CapVC1},
	}
	for _, tt := range tests {
		m, ok := Lookup(tt.id)
		if !ok {
			t.Errorf("%v: not supported", tt.id)
			continue
		}
		if m.Encoding != tt.encoding || m.Name != tt.name || m.Requires != tt.requires {
			t.Errorf("%v: got %v %q %v, want %v %q %v",
				tt.id, m.Encoding, m.Name, m.Requires, tt.encoding, tt.name, tt.requires)
		}
	}

	for _, id := range []ID{Unknown, HEVC, ID(99)} {
		if _, ok := Lookup(id); ok {
			t.Errorf("%v: should not be supported", id)
		}
	}
}

func TestParseCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Capability
	}{
		{"", 0},
		{"mpeg2", CapMPEG2},
		{"VC1", CapVC1},
		{"mpeg2, vc1", CapMPEG2 | CapVC1},
		{"hevc,mpeg2", CapMPEG2},
	}
	for _, tt := range tests {
		if got := ParseCapabilities(tt.in); got != tt.want {
			t.Errorf("ParseCapabilities(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}

	c := CapMPEG2 | CapVC1
	if !c.Has(CapVC1) || CapMPEG2.Has(CapVC1) {
		t.Error("Has reports the wrong capabilities")
	}
}

func TestDeinterlaceMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DeinterlaceMode{
		"off": DeinterlaceOff, "AUTO": DeinterlaceAuto, " force ": DeinterlaceForce, "bob": DeinterlaceOff,
	} {
		if got := ParseDeinterlaceMode(in); got != want {
			t.Errorf("ParseDeinterlaceMode(%q): got %v, want %v", in, got, want)
		}
	}

	var p Policy = StaticPolicy{Enabled: true, Mode: DeinterlaceAuto}
	if !p.HardwareDecode() || p.Deinterlace() != DeinterlaceAuto {
		t.Error("StaticPolicy should report its fields")
	}
}

func TestIDString(t *testing.T) {
	t.Parallel()
	if H264.String() != "h264" || ID(-1).String() != "unknown" || ID(500).String() != "unknown" {
		t.Error("unexpected codec names")
	}
}
