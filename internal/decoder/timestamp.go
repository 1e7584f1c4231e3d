package decoder

import (
	"math"
	"time"

	"github.com/zsiec/hwdec/internal/hw"
)

// NoPTS marks a timestamp that is not known.
const NoPTS = time.Duration(math.MinInt64)

func toHWTime(d time.Duration) int64 {
	if d == NoPTS {
		return hw.TimeUnknown
	}
	return d.Microseconds()
}

func fromHWTime(us int64) time.Duration {
	if us == hw.TimeUnknown {
		return NoPTS
	}
	return time.Duration(us) * time.Microsecond
}

// FromMPEG converts a 90 kHz MPEG clock value to a Duration. Negative input
// is treated as absent.
func FromMPEG(ticks int64) time.Duration {
	if ticks < 0 {
		return NoPTS
	}
	return time.Duration(ticks) * time.Second / 90000
}
