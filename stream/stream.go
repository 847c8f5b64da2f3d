// Package stream implements the real-time delivery core: per-viewer
// timeline channel instances multiplexed over one transport
// connection, and the dispatcher fanning the note firehose out to
// them.
package stream

import (
	"context"
	"errors"

	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/roles"
)

var (
	// ErrCredentialRequired is returned by Connect for channel kinds
	// that cannot serve anonymous viewers.
	ErrCredentialRequired = errors.New("channel requires authentication")

	// ErrNotAvailable is returned when a role policy gates the
	// requested timeline off for this viewer.
	ErrNotAvailable = errors.New("channel not available for this user")

	// ErrAccessDenied is returned when a viewer tries to attach to a
	// conversation they are not part of.
	ErrAccessDenied = errors.New("access denied")

	ErrUnknownChannel = errors.New("unknown channel kind")
)

// NoteResolver re-resolves a note for a specific viewer; the note
// store implements it. A (nil, nil) return means the note no longer
// exists.
type NoteResolver interface {
	Resolve(ctx context.Context, noteID string, viewer *models.User, detail bool) (*models.PackedNote, error)
}

// PolicyResolver gates timeline availability per viewer role.
type PolicyResolver interface {
	GetUserPolicies(ctx context.Context, userID *string) (roles.Policies, error)
}

// GroupMembership answers group-conversation membership checks.
type GroupMembership interface {
	IsGroupMember(ctx context.Context, userID, groupID string) (bool, error)
}
