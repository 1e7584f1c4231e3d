// Package hw models an asynchronous, callback-driven hardware video decoder
// component: a control port for events, an input port that consumes
// compressed data and an output port that produces decoded pictures. Each
// port owns a format descriptor and exchanges fixed-size buffers with the
// client through pools. Buffers sent to a port come back to the client on
// that port's callback, which the hardware invokes from its own goroutines.
package hw

import "fmt"

// Status is a hardware status code. The zero value is success; every other
// value implements error so port and component failures can be wrapped and
// recovered with errors.As.
type Status uint32

// Status codes reported by the hardware.
const (
	StatusSuccess Status = iota
	StatusENOMEM
	StatusENOSPC
	StatusEINVAL
	StatusENOSYS
	StatusENOENT
	StatusENXIO
	StatusEIO
	StatusESPIPE
	StatusECORRUPT
	StatusENOTREADY
	StatusECONFIG
	StatusEISCONN
	StatusENOTCONN
	StatusEAGAIN
	StatusEFAULT
)

var statusText = [...]string{
	StatusSuccess:   "success",
	StatusENOMEM:    "out of memory",
	StatusENOSPC:    "out of resources",
	StatusEINVAL:    "invalid argument",
	StatusENOSYS:    "function not implemented",
	StatusENOENT:    "no such file or directory",
	StatusENXIO:     "no such device or address",
	StatusEIO:       "i/o error",
	StatusESPIPE:    "illegal seek",
	StatusECORRUPT:  "data is corrupt",
	StatusENOTREADY: "component is not ready",
	StatusECONFIG:   "component is not configured",
	StatusEISCONN:   "port is already connected",
	StatusENOTCONN:  "port is disconnected",
	StatusEAGAIN:    "resource temporarily unavailable",
	StatusEFAULT:    "bad address",
}

// String returns the human-readable status description.
func (s Status) String() string {
	if int(s) < len(statusText) {
		return statusText[s]
	}
	return fmt.Sprintf("unknown status %d", uint32(s))
}

// Error implements error.
func (s Status) Error() string {
	return fmt.Sprintf("hw: %s (status=%#x)", s.String(), uint32(s))
}

// Err converts a status into an error, returning nil for StatusSuccess.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return s
}
