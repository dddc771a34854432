package mergeable

import "errors"

var (
	// ErrInvalidDump is returned when a persisted dump cannot be decoded.
	ErrInvalidDump = errors.New("invalid dump")
	// ErrBadValue is returned when a key or value is rejected.
	ErrBadValue = errors.New("bad value")
	// ErrReadOnly is returned when mutating or pushing a group object
	// without the group signing key.
	ErrReadOnly = errors.New("object is read-only")
)

// EngineError is raised by the engine for structural failures. Msg is the
// engine's last-error string.
type EngineError struct {
	Op  string
	Msg string
	Err error
}

func (e *EngineError) Error() string {
	return "mergeable " + e.Op + ": " + e.Msg
}

func (e *EngineError) Unwrap() error { return e.Err }

func engineError(op string, err error) error {
	return &EngineError{Op: op, Msg: err.Error(), Err: err}
}
