// Package apperr holds the error taxonomy shared by the moderation engine.
//
// A *UserError is a precondition failure reported straight back to the
// invoker; nothing was mutated. Anything else is either a transient
// platform failure (logged by the caller, internal state stays
// authoritative) or a bug.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a UserError for transport mapping.
type Kind int

const (
	KindInvalid Kind = iota
	KindForbidden
	KindNotFound
	KindConflict
)

// UserError is a precondition failure caused by the invoker.
type UserError struct {
	Kind    Kind
	Message string
}

func (e *UserError) Error() string { return e.Message }

func newUser(kind Kind, msg string) *UserError {
	return &UserError{Kind: kind, Message: msg}
}

var (
	ErrNotTracked       = newUser(KindNotFound, "this voice session is not managed")
	ErrNotOwner         = newUser(KindForbidden, "only the session owner can do that")
	ErrNotModerator     = newUser(KindForbidden, "only the owner or a submoderator can do that")
	ErrOwnerPresent     = newUser(KindConflict, "the current owner is still in the session")
	ErrAlreadyOwner     = newUser(KindConflict, "you already own this session")
	ErrNotInSession     = newUser(KindInvalid, "you must be in the session")
	ErrTargetNotPresent = newUser(KindInvalid, "that user is not in the session")
	ErrSelfTarget       = newUser(KindInvalid, "you cannot target yourself")
	ErrTargetOwner      = newUser(KindForbidden, "the session owner cannot be targeted")
	ErrTargetModerator  = newUser(KindForbidden, "submoderators can only be targeted by the owner")
	ErrTargetSystem     = newUser(KindInvalid, "the bot cannot be targeted")
	ErrAlreadyMuted     = newUser(KindConflict, "that user is already muted")
	ErrNotMuted         = newUser(KindConflict, "that user is not muted")
	ErrAlreadySubmod    = newUser(KindConflict, "that user is already a submoderator")
	ErrNotSubmod        = newUser(KindConflict, "that user is not a submoderator")
	ErrAlreadyBanned    = newUser(KindConflict, "that user is already banned")
	ErrNotBanned        = newUser(KindConflict, "that user is not banned")
	ErrAlreadyInState   = newUser(KindConflict, "the session is already in that state")
	ErrVoteInProgress   = newUser(KindConflict, "a vote against that user is already running")
	ErrTooFewVoters     = newUser(KindInvalid, "at least two participants are needed for a vote")
	ErrInvalidDuration  = newUser(KindInvalid, "duration must be between 1 and 30 minutes")
	ErrInvalidLimit     = newUser(KindInvalid, "user limit must be between 0 and 99")
	ErrInvalidName      = newUser(KindInvalid, "name must be between 1 and 100 characters")
)

// IsUser reports whether err is (or wraps) a UserError.
func IsUser(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	var ue *UserError
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError
	}
	switch ue.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
