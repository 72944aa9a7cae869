/*
NAME
  errkind.go

DESCRIPTION
  errkind provides the closed set of error kinds shared across the
  HWORD codec, sync engine, capture pipeline and frame decoder, so that
  CLI and embedded-decoder callers can switch on failure class without
  string matching.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package errkind defines the closed set of error kinds used throughout
// the LiDAR capture and decode pipeline.
package errkind

import "fmt"

// Kind identifies the class of a pipeline error.
type Kind int

// The closed set of error kinds.
const (
	// InvalidLength indicates an HWORD input was not exactly 12 bytes.
	InvalidLength Kind = iota
	// InvalidControlBits indicates a 3-bit control code outside the tag set.
	InvalidControlBits
	// ParityCheckFailed indicates an odd-parity check failed.
	ParityCheckFailed
	// InvalidFrame indicates a wrong-type HWORD was pushed into a header
	// or pixel list.
	InvalidFrame
	// InvalidFileFormat indicates a frame file's length wasn't a multiple
	// of 12, or its frame id couldn't be parsed.
	InvalidFileFormat
	// IO indicates a file or socket failure.
	IO
	// QueueFull indicates the bounded capture queue was full.
	QueueFull
)

func (k Kind) String() string {
	switch k {
	case InvalidLength:
		return "invalid length"
	case InvalidControlBits:
		return "invalid control bits"
	case ParityCheckFailed:
		return "parity check failed"
	case InvalidFrame:
		return "invalid frame"
	case InvalidFileFormat:
		return "invalid file format"
	case IO:
		return "io"
	case QueueFull:
		return "queue full"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a message, so that errors.As can recover the
// kind from a wrapped error chain.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New returns an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Newf is like New but formats msg.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}
