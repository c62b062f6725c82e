// Package tunnelerr defines the structured error vocabulary shared by the
// tunnel fabric: a stable Kind for programmatic dispatch plus an Op string
// naming where the error originated, for logging.
package tunnelerr

import "fmt"

// Kind is a stable, programmatic error classification.
type Kind string

const (
	KindCodec        Kind = "codec"
	KindAuth         Kind = "auth"
	KindTransport    Kind = "transport"
	KindTimeout      Kind = "timeout"
	KindBusy         Kind = "busy"
	KindNoClient     Kind = "no_client"
	KindDisconnected Kind = "disconnected"
	KindOversize     Kind = "oversize"
	KindLocal        Kind = "local"
	KindShutdown     Kind = "shutdown"
)

// Error is a structured, programmatically identifiable tunnel error.
type Error struct {
	Op   string // Where the error originated, e.g. "dispatcher.forward".
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured tunnel error.
func Wrap(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
