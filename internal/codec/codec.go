// Package codec describes compressed video streams offered to the hardware
// decoder and decides whether the hardware may take them.
package codec

import (
	"strings"

	"github.com/zsiec/hwdec/internal/hw"
)

// ID identifies a compressed video format.
type ID int

// Video codec identifiers.
const (
	Unknown ID = iota
	H264
	H263
	MPEG4
	MPEG1Video
	MPEG2Video
	VP6
	VP6F
	VP6A
	VP8
	Theora
	MJPEG
	MJPEGB
	VC1
	WMV3
	HEVC
)

var idNames = [...]string{
	Unknown:    "unknown",
	H264:       "h264",
	H263:       "h263",
	MPEG4:      "mpeg4",
	MPEG1Video: "mpeg1video",
	MPEG2Video: "mpeg2video",
	VP6:        "vp6",
	VP6F:       "vp6f",
	VP6A:       "vp6a",
	VP8:        "vp8",
	Theora:     "theora",
	MJPEG:      "mjpeg",
	MJPEGB:     "mjpegb",
	VC1:        "vc1",
	WMV3:       "wmv3",
	HEVC:       "hevc",
}

func (id ID) String() string {
	if id >= 0 && int(id) < len(idNames) {
		return idNames[id]
	}
	return "unknown"
}

// Hints describe a stream as probed by the demuxer.
type Hints struct {
	Codec        ID
	Width        int
	Height       int
	Aspect       float64 // display aspect ratio, 0 if unknown
	ForcedAspect bool
	Extradata    []byte
	// Software requests a software decoder for this stream.
	Software bool
}

// Capability is a bitmask of optional hardware codec licenses.
type Capability uint32

// Optional codecs that must be licensed on the platform.
const (
	CapMPEG2 Capability = 1 << iota
	CapVC1
)

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool { return c&want == want }

// ParseCapabilities parses a comma-separated list such as "mpeg2,vc1".
// Unknown names are ignored.
func ParseCapabilities(s string) Capability {
	var c Capability
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "mpeg2":
			c |= CapMPEG2
		case "vc1":
			c |= CapVC1
		}
	}
	return c
}

// Capabilities is queried for platform codec licenses.
type Capabilities interface {
	Has(want Capability) bool
}

// Mapping binds a codec to the hardware encoding that decodes it.
type Mapping struct {
	Encoding hw.Encoding
	// Name is a short label used in diagnostics.
	Name     string
	Requires Capability
}

// Lookup returns the hardware mapping for id. The second result is false
// when the hardware cannot decode the codec at all.
func Lookup(id ID) (Mapping, bool) {
	switch id {
	case H264:
		return Mapping{Encoding: hw.EncodingH264, Name: "omx-h264"}, true
	case H263, MPEG4:
		return Mapping{Encoding: hw.EncodingMP4V, Name: "omx-mpeg4"}, true
	case MPEG1Video, MPEG2Video:
		return Mapping{Encoding: hw.EncodingMP2V, Name: "omx-mpeg2", Requires: CapMPEG2}, true
	case VP6, VP6F, VP6A:
		return Mapping{Encoding: hw.EncodingVP6, Name: "omx-vp6"}, true
	case VP8:
		return Mapping{Encoding: hw.EncodingVP8, Name: "omx-vp8"}, true
	case Theora:
		return Mapping{Encoding: hw.EncodingTheora, Name: "omx-theora"}, true
	case MJPEG, MJPEGB:
		return Mapping{Encoding: hw.EncodingMJPEG, Name: "omx-mjpg"}, true
	case VC1, WMV3:
		return Mapping{Encoding: hw.EncodingWVC1, Name: "omx-vc1", Requires: CapVC1}, true
	default:
		return Mapping{}, false
	}
}
