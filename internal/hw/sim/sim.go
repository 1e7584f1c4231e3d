// Package sim provides an in-process simulation of a hardware video decoder
// component. It follows the callback contract of package hw: buffers sent to
// a port come back on that port's callback, callbacks run on goroutines
// owned by the component, and output-format changes are announced with a
// format-changed event before the pictures that use the new format.
//
// The simulator does not decode anything. A "picture" is the concatenated
// payload of one framed input run, echoed into the next free output buffer.
package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/hwdec/internal/hw"
)

// dispatchDepth bounds the per-port callback backlog. Deliveries are bounded
// by the number of buffers in circulation, which is far below this.
const dispatchDepth = 1024

// Default buffer requirements, loosely modelled on a VideoCore decoder.
var (
	DefaultInputRequirements = hw.BufferRequirements{
		NumMin: 1, NumRecommended: 20, SizeMin: 2048, SizeRecommended: 80 * 1024,
	}
	DefaultOutputRequirements = hw.BufferRequirements{
		NumMin: 1, NumRecommended: 8, SizeMin: 128, SizeRecommended: 128,
	}
)

// Config controls a simulated component.
type Config struct {
	// Width, Height and PAR describe the format announced before the first
	// picture. Zero dimensions fall back to the input port's format, then
	// to 1920x1080.
	Width  int
	Height int
	PAR    hw.Rational

	Input  hw.BufferRequirements
	Output hw.BufferRequirements

	// ReorderDepth is how many decoded pictures are held back so output can
	// leave in presentation order.
	ReorderDepth int

	// FormatChanges announces a new output format before the picture with
	// the given 1-based number.
	FormatChanges map[int]hw.VideoFormat

	// Synchronous delivers callbacks on the calling goroutine before the
	// port operation returns. Tests use it for deterministic ordering.
	Synchronous bool

	// Faults makes the named operation fail with the given status.
	// Operations: create, enable, control.enable, input.enable,
	// output.enable, input.commit, output.commit, input.send, output.send,
	// output.disable, decode (reports an error event instead of a picture).
	Faults map[string]hw.Status

	Log *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Input == (hw.BufferRequirements{}) {
		c.Input = DefaultInputRequirements
	}
	if c.Output == (hw.BufferRequirements{}) {
		c.Output = DefaultOutputRequirements
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

func (c *Config) fault(op string) error {
	if st, ok := c.Faults[op]; ok {
		return fmt.Errorf("sim: %s: %w", op, st)
	}
	return nil
}

// Driver creates simulated components.
type Driver struct {
	cfg Config

	mu         sync.Mutex
	components []*Component
}

// NewDriver returns a driver whose components share cfg.
func NewDriver(cfg Config) *Driver {
	cfg.setDefaults()
	return &Driver{cfg: cfg}
}

// Create implements hw.Driver. Only the video decoder component exists.
func (d *Driver) Create(name string) (hw.Component, error) {
	if err := d.cfg.fault("create"); err != nil {
		return nil, err
	}
	if name != hw.ComponentVideoDecoder {
		return nil, fmt.Errorf("sim: component %q: %w", name, hw.StatusENOENT)
	}
	c := newComponent(name, d.cfg)

	d.mu.Lock()
	d.components = append(d.components, c)
	d.mu.Unlock()
	return c, nil
}

// Components returns every component created so far, oldest first.
func (d *Driver) Components() []*Component {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Component, len(d.components))
	copy(out, d.components)
	return out
}

// Last returns the most recently created component, or nil.
func (d *Driver) Last() *Component {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.components) == 0 {
		return nil
	}
	return d.components[len(d.components)-1]
}
