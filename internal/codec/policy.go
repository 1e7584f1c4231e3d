package codec

import "strings"

// DeinterlaceMode is the user's deinterlacing preference.
type DeinterlaceMode int

// Deinterlace modes.
const (
	DeinterlaceOff DeinterlaceMode = iota
	DeinterlaceAuto
	DeinterlaceForce
)

func (m DeinterlaceMode) String() string {
	switch m {
	case DeinterlaceAuto:
		return "auto"
	case DeinterlaceForce:
		return "force"
	default:
		return "off"
	}
}

// ParseDeinterlaceMode parses "off", "auto" or "force"; anything else is off.
func ParseDeinterlaceMode(s string) DeinterlaceMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return DeinterlaceAuto
	case "force", "on":
		return DeinterlaceForce
	default:
		return DeinterlaceOff
	}
}

// Policy carries the user settings that gate hardware decoding.
type Policy interface {
	HardwareDecode() bool
	Deinterlace() DeinterlaceMode
}

// StaticPolicy is a fixed Policy.
type StaticPolicy struct {
	Enabled bool
	Mode    DeinterlaceMode
}

// HardwareDecode implements Policy.
func (p StaticPolicy) HardwareDecode() bool { return p.Enabled }

// Deinterlace implements Policy.
func (p StaticPolicy) Deinterlace() DeinterlaceMode { return p.Mode }
