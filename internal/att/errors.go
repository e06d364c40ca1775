package att

import (
	"errors"
	"fmt"
)

// Kind enumerates the ATT client's error taxonomy (spec §7).
type Kind int

const (
	Param Kind = iota
	Busy
	Timeout
	Protocol
	Disconnected
	NotConnected
)

func (k Kind) String() string {
	switch k {
	case Param:
		return "param"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case Disconnected:
		return "disconnected"
	case NotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// Error is the ATT client's error type. Protocol errors carry the remote
// error code from the ERROR_RSP that produced them.
type Error struct {
	Kind Kind
	Op   string
	Code byte // remote ATT error code, Protocol kind only
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == Protocol:
		return fmt.Sprintf("att: %s: protocol error 0x%02x", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("att: %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("att: %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

func newErr(op string, k Kind, err error) *Error {
	return &Error{Op: op, Kind: k, Err: err}
}
