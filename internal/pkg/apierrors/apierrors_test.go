package apierrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oasis-mmo/oasis-core/internal/player"
	"github.com/oasis-mmo/oasis-core/internal/registry"
	"github.com/oasis-mmo/oasis-core/internal/router"
	"github.com/oasis-mmo/oasis-core/internal/scheduler"
)

func TestAsWireError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code string
	}{
		{"duplicate realm", registry.ErrDuplicateRealmID, CodeConflict},
		{"invalid coordinate", registry.ErrInvalidCoordinate, CodeInvalidInput},
		{"registration failed", registry.ErrRegistrationFailed, CodeInvalidInput},
		{"not in source", player.ErrNotInSource, CodeInvalidInput},
		{"unknown faction", player.ErrUnknownFaction, CodeInvalidInput},
		{"instance not found", registry.ErrNotFound, CodeNotFound},
		{"unknown source", router.ErrUnknownSource, CodeNotFound},
		{"unknown target", router.ErrUnknownTarget, CodeNotFound},
		{"player not found", player.ErrNotFound, CodeNotFound},
		{"not owner", registry.ErrNotOwner, CodeUnauthorized},
		{"scheduler stopped", scheduler.ErrStopped, CodeUnavailable},
		{"deadline", context.DeadlineExceeded, CodeUnavailable},
		{"unknown", errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.code, AsWireError(tc.err).Code)
		})
	}
}

func TestAsWireError_UnwrapsWrappedSentinels(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("register game: %w", registry.ErrDuplicateRealmID)
	we := AsWireError(wrapped)
	assert.Equal(t, CodeConflict, we.Code)
	assert.Contains(t, we.Message, "register game")
}

func TestAsWireError_PassesThroughWireErrors(t *testing.T) {
	t.Parallel()

	orig := Newf(CodeInvalidInput, "bad field %q", "realm_id")
	assert.Same(t, orig, AsWireError(fmt.Errorf("wrap: %w", orig)))
}

func TestAsWireError_MasksUnknownErrors(t *testing.T) {
	t.Parallel()

	we := AsWireError(errors.New("pgx: connection refused on 10.0.0.3"))
	assert.Equal(t, CodeInternal, we.Code)
	assert.NotContains(t, we.Message, "10.0.0.3")
}
