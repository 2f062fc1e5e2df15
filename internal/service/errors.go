package service

import (
	"errors"
	"fmt"

	"roomchat/internal/store"
)

// Service errors. Handlers map them to status codes with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrStoreFailure    = errors.New("store failure")
	ErrDeliveryFailure = errors.New("delivery failure")

	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// storeErr classifies an error coming back from the store. Errors that are
// already classified pass through untouched.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrStoreFailure):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}

// Wire error codes shared by the HTTP and websocket boundaries.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeConflict       = "CONFLICT"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInternal       = "INTERNAL_ERROR"
)

// Code maps an error returned by this package to its wire code. Anything
// unclassified is an internal error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrUsernameTaken):
		return CodeConflict
	case errors.Is(err, ErrInvalidCredentials):
		return CodeUnauthorized
	}
	return CodeInternal
}

// PublicMessage is the text safe to show a client. Internal errors never leak
// their cause.
func PublicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
