package engine

import "errors"

// Kind classifies engine failures for transport mapping.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindConflict
	KindInvalid
	KindInconsistent
)

// Error is a typed engine failure. Conflict errors are retryable by the
// caller; NotFound and Forbidden are terminal for the request. The engine
// never auto-retries.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

var (
	ErrMatchNotFound    = newError(KindNotFound, "match not found")
	ErrSlotNotFound     = newError(KindNotFound, "slot not found in this match")
	ErrTemplateNotFound = newError(KindNotFound, "slot template not found in this match")
	ErrTeamNotEligible  = newError(KindNotFound, "team not found in this competition")
	ErrNoTeam           = newError(KindForbidden, "caller is not on any team in this competition")
	ErrForbidden        = newError(KindForbidden, "caller may not act for this team")
	ErrAlreadyAssigned  = newError(KindConflict, "team already assigned in this match")
	ErrSlotFull         = newError(KindConflict, "slot is full")
	ErrMapNotSet        = newError(KindInvalid, "match has no map")
	ErrNoTemplates      = newError(KindInvalid, "map has no slot templates")
	ErrBadCapacity      = newError(KindInvalid, "slot template capacity must be at least 1")
	ErrInconsistent     = newError(KindInconsistent, "slot occupancy exceeds template capacity")
)

// KindOf extracts the Kind from an error chain, returning 0 for errors the
// engine does not classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
