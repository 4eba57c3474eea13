package binder

import (
	"errors"
	"fmt"

	jujuerrors "github.com/juju/errors"
)

// Status is the fixed error-kind enum callers see out of the session core
// (spec §7). It is the thing tests assert on with errors.As; call sites
// that need to add human-readable context wrap a Status with
// github.com/juju/errors.Annotate, which preserves the Status underneath
// for errors.As/jujuerrors.Cause to recover.
type Status int

const (
	// StatusOK is never itself returned as an error; it exists so that a
	// Status variable's zero value has a name.
	StatusOK Status = iota
	// StatusBadValue: caller-supplied argument inconsistent.
	StatusBadValue
	// StatusWouldBlock: a lease was requested on a session with no
	// outgoing connections.
	StatusWouldBlock
	// StatusUnknownError: transport construction failed, retries
	// exhausted, address not resolvable, or no more specific status fits.
	StatusUnknownError
	// StatusNameNotFound: no resolved inet address could be connected.
	StatusNameNotFound
	// StatusDeadObject: the peer closed during setup.
	StatusDeadObject
	// StatusInvalidOperation: the shutdown trigger could not be created,
	// or an operation needs a state layer the session was built without.
	StatusInvalidOperation
	// StatusShutdown: the shutdown trigger fired during a blocking
	// operation.
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadValue:
		return "BAD_VALUE"
	case StatusWouldBlock:
		return "WOULD_BLOCK"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusNameNotFound:
		return "NAME_NOT_FOUND"
	case StatusDeadObject:
		return "DEAD_OBJECT"
	case StatusInvalidOperation:
		return "INVALID_OPERATION"
	case StatusShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error reports the Status name so a bare Status satisfies the error
// interface and can be compared with errors.Is against a StatusError.
func (s Status) Error() string {
	return s.String()
}

// StatusError pairs a Status with an optional underlying cause, so the
// original syscall or collaborator error survives alongside the fixed
// kind callers switch on.
type StatusError struct {
	Status Status
	Errno  int // negated positive errno; zero if not syscall-derived.
	Cause  error
}

func (e *StatusError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s (errno %d): %v", e.Status, e.Errno, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Cause)
	}
	return e.Status.Error()
}

func (e *StatusError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, StatusShutdown) to work directly against a
// Status value, without callers needing to know about StatusError.
func (e *StatusError) Is(target error) bool {
	if s, ok := target.(Status); ok {
		return e.Status == s
	}
	if se, ok := target.(*StatusError); ok {
		return e.Status == se.Status
	}
	return false
}

// NewStatusError wraps cause with the given Status, annotated with msg via
// github.com/juju/errors so the call chain accumulates context the way the
// rest of this module's error handling does.
func NewStatusError(status Status, cause error, msg string) error {
	se := &StatusError{Status: status, Cause: cause}
	if msg == "" {
		return se
	}
	return jujuerrors.Annotate(se, msg)
}

// StatusOf recovers the Status carried by err, walking through
// juju/errors annotations and stdlib wrapping alike. It returns
// (StatusOK, false) if err is nil and (StatusUnknownError, true) if err is
// non-nil but carries no Status.
func StatusOf(err error) (Status, bool) {
	if err == nil {
		return StatusOK, false
	}
	cause := jujuerrors.Cause(err)
	var se *StatusError
	if errors.As(cause, &se) {
		return se.Status, true
	}
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusUnknownError, true
}

// errnoError surfaces a negated positive errno unchanged, per spec §7.
func errnoError(errno int, cause error) error {
	return &StatusError{Status: StatusUnknownError, Errno: -errno, Cause: cause}
}

// ErrWouldBlock is the sentinel spec scenario 2 (transact on an empty
// outgoing list) and property 4 compare against with errors.Is.
var ErrWouldBlock error = &StatusError{Status: StatusWouldBlock}

// ErrShutdown is returned by any core operation that observed the
// session's shutdown trigger fire while blocked.
var ErrShutdown error = &StatusError{Status: StatusShutdown}
