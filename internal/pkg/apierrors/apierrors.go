// Package apierrors provides the stable error vocabulary of the wire
// protocol. Internal packages return sentinel errors; the gateway converts
// them here before anything reaches a client.
package apierrors

import (
	"context"
	"errors"
	"fmt"

	"github.com/oasis-mmo/oasis-core/internal/player"
	"github.com/oasis-mmo/oasis-core/internal/registry"
	"github.com/oasis-mmo/oasis-core/internal/router"
	"github.com/oasis-mmo/oasis-core/internal/scheduler"
)

// Wire codes. Clients may branch on these; messages are advisory.
const (
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// WireError is the error payload sent to clients.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy carrying additional structured context.
func (e *WireError) WithDetails(details any) *WireError {
	return &WireError{Code: e.Code, Message: e.Message, Details: details}
}

// New creates a wire error with the given code and message.
func New(code, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Newf creates a wire error with a formatted message.
func Newf(code, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInternal masks unexpected failures. The original error is logged server
// side, never sent.
var ErrInternal = &WireError{Code: CodeInternal, Message: "An internal error occurred"}

// AsWireError maps an internal error onto its wire representation. Unknown
// errors collapse to ErrInternal so internals never leak.
func AsWireError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}

	switch {
	case errors.Is(err, registry.ErrDuplicateRealmID):
		return New(CodeConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidCoordinate),
		errors.Is(err, registry.ErrRegistrationFailed),
		errors.Is(err, player.ErrNotInSource),
		errors.Is(err, player.ErrUnknownFaction),
		errors.Is(err, player.ErrInvalidName):
		return New(CodeInvalidInput, err.Error())
	// Unknown addresses are lookups that missed, not malformed input.
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, router.ErrUnknownSource),
		errors.Is(err, router.ErrUnknownTarget),
		errors.Is(err, player.ErrNotFound):
		return New(CodeNotFound, err.Error())
	case errors.Is(err, registry.ErrNotOwner):
		return New(CodeUnauthorized, err.Error())
	case errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		return New(CodeUnavailable, err.Error())
	default:
		return ErrInternal
	}
}
