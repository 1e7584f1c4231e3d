package hw

// Encoding is a FourCC identifying an elementary-stream encoding.
type Encoding uint32

func fourCC(s string) Encoding {
	return Encoding(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

// Encodings understood by the video decoder component.
var (
	EncodingH264   = fourCC("H264")
	EncodingMP4V   = fourCC("MP4V")
	EncodingMP2V   = fourCC("MP2V")
	EncodingVP6    = fourCC("VP6 ")
	EncodingVP8    = fourCC("VP8 ")
	EncodingTheora = fourCC("THEO")
	EncodingMJPEG  = fourCC("MJPG")
	EncodingWVC1   = fourCC("WVC1")
	EncodingI420   = fourCC("I420")

	// EncodingOpaque marks hardware-native picture handles that never leave
	// GPU memory.
	EncodingOpaque = fourCC("OPQV")
)

// String returns the FourCC characters.
func (e Encoding) String() string {
	if e == 0 {
		return "none"
	}
	b := [4]byte{byte(e), byte(e >> 8), byte(e >> 16), byte(e >> 24)}
	return string(b[:])
}

// ESType is the elementary stream type of a format.
type ESType int

// Elementary stream types.
const (
	ESTypeUnknown ESType = iota
	ESTypeControl
	ESTypeAudio
	ESTypeVideo
	ESTypeSubpicture
)

// FormatFlags modify how a port interprets its stream.
type FormatFlags uint32

// FormatFlagFramed signals that every submitted buffer run ends on a frame
// boundary, so the decoder does not need to search for one.
const FormatFlagFramed FormatFlags = 1 << 0

// Rational is a numerator/denominator pair.
type Rational struct {
	Num int
	Den int
}

// Rect is a crop rectangle in pixels.
type Rect struct {
	X, Y          int
	Width, Height int
}

// VideoFormat carries the video-specific part of a format descriptor.
type VideoFormat struct {
	Width     int
	Height    int
	Crop      Rect
	PAR       Rational // pixel aspect ratio
	FrameRate Rational
}

// Format is an elementary-stream format descriptor attached to a port or
// carried by a format-changed event.
type Format struct {
	Type      ESType
	Encoding  Encoding
	Flags     FormatFlags
	Bitrate   int
	Video     VideoFormat
	Extradata []byte
}

// Clone returns a deep copy of f.
func (f *Format) Clone() *Format {
	c := &Format{}
	c.CopyFrom(f)
	return c
}

// CopyFrom performs a full copy of src into f, including extradata.
func (f *Format) CopyFrom(src *Format) {
	var extra []byte
	if len(src.Extradata) > 0 {
		extra = make([]byte, len(src.Extradata))
		copy(extra, src.Extradata)
	}
	*f = *src
	f.Extradata = extra
}
