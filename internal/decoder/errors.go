package decoder

import "errors"

// Open rejections. Nothing is allocated when these are returned.
var (
	ErrHardwareDisabled  = errors.New("decoder: hardware decode disabled")
	ErrUnsupportedCodec  = errors.New("decoder: codec not supported by hardware")
	ErrCapabilityMissing = errors.New("decoder: codec not licensed on this platform")
)

// Fatal setup and runtime errors. After one of these the session must be
// disposed.
var (
	ErrSetup       = errors.New("decoder: hardware setup failed")
	ErrInputStall  = errors.New("decoder: timed out waiting for an input buffer")
	ErrSubmit      = errors.New("decoder: input port rejected buffer")
	ErrReconfigure = errors.New("decoder: output port reconfiguration failed")
)

// Caller contract errors.
var (
	ErrNoPicture = errors.New("decoder: no picture ready")
	ErrClosed    = errors.New("decoder: session disposed")
)
