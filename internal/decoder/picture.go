package decoder

import (
	"math"
	"time"
)

// RenderFormat tells the presentation layer how to interpret a picture.
type RenderFormat int

// Render formats.
const (
	RenderNone RenderFormat = iota
	// RenderHardware pictures reference a hardware buffer through Buffer.
	RenderHardware
)

func (f RenderFormat) String() string {
	if f == RenderHardware {
		return "hardware"
	}
	return "none"
}

// Picture flags.
const (
	FlagAllocated uint32 = 1 << 0
)

// Default color description of hardware pictures.
const (
	ColorRangeLimited = 0
	ColorMatrixBT601  = 4
)

// Picture is the record handed to the presentation layer. A picture filled
// by GetPicture holds one reference on Buffer, which ClearPicture drops.
type Picture struct {
	Format        RenderFormat
	Width         int
	Height        int
	DisplayWidth  int
	DisplayHeight int
	ColorRange    int
	ColorMatrix   int
	DTS           time.Duration
	PTS           time.Duration
	Flags         uint32
	Buffer        *FrameBuffer
}

// displaySize fits the display rectangle to aspect without exceeding the
// decoded size. Scaled dimensions are rounded down to a multiple of four.
func displaySize(width, height int, aspect float64, forced bool) (int, int) {
	dw, dh := width, height
	if aspect <= 0 || forced || width <= 0 || height <= 0 {
		return dw, dh
	}
	dw = int(math.RoundToEven(float64(height)*aspect)) &^ 3
	if dw > width {
		dw = width
		dh = int(math.RoundToEven(float64(width)/aspect)) &^ 3
	}
	return dw, dh
}
