// Package wire implements the bit-exact DNS message codec: the fixed
// scratch buffer, name compression, and message parse/emit.
package wire

import "errors"

// Sentinel errors observable at the wire codec boundary.
var (
	// ErrMalformedName covers every violation encountered while decoding
	// a compressed domain name: a reserved pointer-mask combination, a
	// pointer offset past the end of the message, a label byte that is
	// neither a valid length nor a pointer lead byte, or a compression
	// cycle.
	ErrMalformedName = errors.New("wire: malformed name")
	// ErrUnknownQType is returned when a question carries a 16-bit type
	// code this codec does not recognize. Records of unrecognized types
	// are accepted, their rdata kept as opaque bytes.
	ErrUnknownQType = errors.New("wire: unknown question type")
	// ErrUnknownQClass is returned when a question's class is not IN.
	ErrUnknownQClass = errors.New("wire: unknown question class")
	// ErrTruncated is returned when a section is cut short mid-record.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrShort is returned by buffer writes that would overflow the
	// visible writable slice.
	ErrShort = errors.New("wire: short write")
	// ErrNoMark is returned by Reset when no Mark has been set.
	ErrNoMark = errors.New("wire: reset without mark")
	// ErrBadRdata is returned when an A record's rdlength isn't 4.
	ErrBadRdata = errors.New("wire: rdlength/type mismatch")
)
