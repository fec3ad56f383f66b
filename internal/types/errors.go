package types

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Components wrap these with fmt.Errorf("...: %w") and
// callers test them with errors.Is.
var (
	ErrMalformedIndex      = errors.New("malformed index")
	ErrDuplicateIndex      = errors.New("duplicate index")
	ErrNotFound            = errors.New("not found")
	ErrWrongType           = errors.New("wrong type")
	ErrWrongValue          = errors.New("wrong value")
	ErrNotWritable         = errors.New("not writable")
	ErrNoCreation          = errors.New("no creation")
	ErrInconsistentValue   = errors.New("inconsistent value")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrCommitFailed        = errors.New("commit failed")
	ErrSessionRejected     = errors.New("session rejected")
	ErrSessionClosed       = errors.New("session closed")
	ErrGenerationError     = errors.New("generation error")
	ErrUnknownRegistration = errors.New("unknown registration")
)

// Registration errors.
var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
)

// StatusOf maps an error to the AgentX response error status it is reported
// as. A nil error maps to noError; unknown errors map to genErr.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return ErrorStatusNoError
	case errors.Is(err, ErrWrongType):
		return ErrorStatusWrongType
	case errors.Is(err, ErrWrongValue):
		return ErrorStatusWrongValue
	case errors.Is(err, ErrNotWritable):
		return ErrorStatusNotWritable
	case errors.Is(err, ErrNoCreation), errors.Is(err, ErrMalformedIndex):
		return ErrorStatusNoCreation
	case errors.Is(err, ErrInconsistentValue), errors.Is(err, ErrDuplicateIndex):
		return ErrorStatusInconsistentValue
	case errors.Is(err, ErrResourceUnavailable):
		return ErrorStatusResourceUnavailable
	case errors.Is(err, ErrCommitFailed):
		return ErrorStatusCommitFailed
	case errors.Is(err, ErrGenerationError):
		return ErrorStatusUndoFailed
	case errors.Is(err, ErrSessionClosed):
		return ErrorStatusNotOpen
	case errors.Is(err, ErrSessionRejected):
		return ErrorStatusOpenFailed
	case errors.Is(err, ErrUnknownRegistration):
		return ErrorStatusUnknownRegistration
	case errors.Is(err, ErrDuplicateRegistration):
		return ErrorStatusDuplicateRegistration
	default:
		return ErrorStatusGenErr
	}
}

// VarbindError records which varbind of a request caused a failure.
// Index is 1-based as in AgentX response PDUs.
type VarbindError struct {
	Index int
	OID   OID
	Err   error
}

func (e *VarbindError) Error() string {
	return fmt.Sprintf("varbind %d (%s): %v", e.Index, e.OID, e.Err)
}

func (e *VarbindError) Unwrap() error {
	return e.Err
}

// ErrorIndexOf returns the 1-based varbind index recorded in err, or 0.
func ErrorIndexOf(err error) int {
	var vbErr *VarbindError
	if errors.As(err, &vbErr) {
		return vbErr.Index
	}
	return 0
}
