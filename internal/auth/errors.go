package auth

import (
	"errors"
	"net/http"
)

// Kind classifies an auth failure.
type Kind string

const (
	KindMissingCredentials Kind = "MissingCredentials"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindRegistrationFailed Kind = "RegistrationFailed"
	KindNotAuthenticated   Kind = "NotAuthenticated"
	KindStalePassword      Kind = "StalePassword"
	KindRefreshInvalid     Kind = "RefreshInvalid"
	KindUserGone           Kind = "UserGone"
	KindForbidden          Kind = "Forbidden"
	KindBadRequest         Kind = "BadRequest"
	KindNotFound           Kind = "NotFound"
)

// Error is a client-facing failure. Message is safe to show to callers;
// Err holds the internal cause and is never rendered.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so wrapped copies still compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

var (
	ErrMissingCredentials = &Error{Kind: KindMissingCredentials, Status: http.StatusBadRequest, Message: "Please provide email and password"}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Status: http.StatusUnauthorized, Message: "Incorrect email or password"}
	ErrWrongPassword      = &Error{Kind: KindInvalidCredentials, Status: http.StatusUnauthorized, Message: "Your current password is wrong"}
	ErrRegistrationFailed = &Error{Kind: KindRegistrationFailed, Status: http.StatusBadRequest, Message: "Could not create an account with the provided details"}
	ErrNotAuthenticated   = &Error{Kind: KindNotAuthenticated, Status: http.StatusUnauthorized, Message: "You are not logged in. Please log in to get access"}
	ErrStalePassword      = &Error{Kind: KindStalePassword, Status: http.StatusUnauthorized, Message: "User recently changed password. Please log in again"}
	ErrRefreshInvalid     = &Error{Kind: KindRefreshInvalid, Status: http.StatusForbidden, Message: "Refresh token is not valid"}
	ErrUserGone           = &Error{Kind: KindUserGone, Status: http.StatusUnauthorized, Message: "The user belonging to this token does no longer exist"}
	ErrForbidden          = &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: "You do not have permission to perform this action"}
	ErrUserNotFound       = &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: "No user found with that ID"}
)

// BadRequest returns a 400 error carrying msg.
func BadRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Status: http.StatusBadRequest, Message: msg}
}
