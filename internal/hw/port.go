package hw

// ComponentVideoDecoder is the name of the default video decoder component.
const ComponentVideoDecoder = "vc.ril.video_decode"

// Callback receives buffers a port hands back to the client. It runs on a
// goroutine owned by the hardware and must not block for long.
type Callback func(port Port, buf *Buffer)

// ParameterID selects a port parameter.
type ParameterID uint32

// Port parameters used by the decoder.
const (
	ParamErrorConcealment ParameterID = iota + 1
	ParamExtraBuffers
)

// BufferRequirements are the buffer counts and sizes a port asks for once
// its format has been committed.
type BufferRequirements struct {
	NumMin          int
	NumRecommended  int
	SizeMin         int
	SizeRecommended int
}

// Port is a directional data endpoint of a component.
type Port interface {
	Name() string

	// Format returns the port's mutable format descriptor. Changes take
	// effect on Commit.
	Format() *Format
	Commit() error

	Enable(cb Callback) error
	Disable() error
	Enabled() bool

	// Flush returns every buffer held by the port through its callback.
	// It returns once every callback queued before it has run.
	Flush() error

	// Send transfers ownership of buf to the port.
	Send(buf *Buffer) error

	SetBool(id ParameterID, v bool) error
	SetUint32(id ParameterID, v uint32) error

	Requirements() BufferRequirements
	// SetBuffers sets the buffer count and size the client will use.
	SetBuffers(num, size int)
	Buffers() (num, size int)
}

// Component is a hardware processing unit with one control, one input and
// one output port.
type Component interface {
	Name() string
	Control() Port
	Input() Port
	Output() Port
	Enable() error
	Disable() error
	Release() error
}

// Driver creates hardware components. Implementations wrap real hardware
// or simulate it for tests.
type Driver interface {
	Create(name string) (Component, error)
}
