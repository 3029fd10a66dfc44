package krpc

import "fmt"

// ErrorCode is a KRPC error code as carried in the first element of the "e"
// list.
type ErrorCode int

const (
	ErrGeneric       ErrorCode = 201
	ErrServer        ErrorCode = 202
	ErrProtocol      ErrorCode = 203
	ErrMethodUnknown ErrorCode = 204
)

type errorCodeInfo struct {
	label string
	// Default message sent to peers when none more specific applies.
	message string
}

var errorCodes = map[ErrorCode]errorCodeInfo{
	ErrGeneric:       {"generic", "A Generic Error Ocurred"},
	ErrServer:        {"server", "A Server Error Ocurred"},
	ErrProtocol:      {"protocol", "A Protocol Error Ocurred"},
	ErrMethodUnknown: {"method_unknown", "Method Unknown"},
}

// Label returns a short name for the code, usable as a metric label.
func (c ErrorCode) Label() string {
	if info, ok := errorCodes[c]; ok {
		return info.label
	}
	return "unknown"
}

// DefaultMessage returns the conventional message for the code.
func (c ErrorCode) DefaultMessage() string {
	if info, ok := errorCodes[c]; ok {
		return info.message
	}
	return fmt.Sprintf("Error %d", int(c))
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%d (%s)", int(c), c.Label())
}

// Error is the payload of a KRPC error message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", int(e.Code), e.Message)
}
