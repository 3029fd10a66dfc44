package bencode

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every decoding error.
var ErrMalformed = errors.New("bencode: malformed encoding")

// MalformedError describes why decoding failed and the offset of the byte
// that caused it.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("bencode: malformed encoding at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(off int, format string, args ...interface{}) error {
	return &MalformedError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedTypeError is returned by Encode for Go values with no bencode
// representation.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("bencode: unsupported type %T", e.Value)
}
