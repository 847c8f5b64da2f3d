// Package notes is the note store collaborator for the delivery
// pipeline: it re-resolves notes for a specific viewer, applying the
// visibility tier rules that the broadcast copy cannot carry.
package notes

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/util"
)

type Store struct {
	db *gorm.DB

	log *slog.Logger
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		log: slog.Default().With("system", "notes"),
	}
}

// packOne loads the author and fills the flat fields. A missing note
// or author resolves to (nil, nil).
func (s *Store) packOne(ctx context.Context, noteID string) (*models.PackedNote, *models.Note, error) {
	var note models.Note
	if err := s.db.WithContext(ctx).First(&note, "id = ?", noteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var author models.User
	if err := s.db.WithContext(ctx).First(&author, "id = ?", note.AuthorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	return &models.PackedNote{
		ID:         note.ID,
		CreatedAt:  note.CreatedAt.UTC().Format(util.ISO8601),
		UserID:     note.AuthorID,
		User:       models.PackUserLite(&author),
		Visibility: note.Visibility,
		ChannelID:  note.ChannelID,
		ReplyID:    note.ReplyID,
		RenoteID:   note.RenoteID,
		Text:       note.Text,
		CW:         note.CW,
	}, &note, nil
}

// Resolve packs a note for the given viewer (nil for anonymous).
// Restricted tiers are authorized against the viewer: an unauthorized
// viewer gets a redacted copy with IsHidden set. A note that no longer
// exists resolves to (nil, nil); deletion between broadcast and
// delivery is a silent no-op, not an error.
func (s *Store) Resolve(ctx context.Context, noteID string, viewer *models.User, detail bool) (*models.PackedNote, error) {
	pn, note, err := s.packOne(ctx, noteID)
	if err != nil || pn == nil {
		return nil, err
	}

	visible, err := s.visibleTo(ctx, note, viewer)
	if err != nil {
		return nil, err
	}
	if !visible {
		pn.Text = nil
		pn.CW = nil
		pn.IsHidden = true
		return pn, nil
	}

	if detail {
		if note.ReplyID != nil {
			reply, err := s.Resolve(ctx, *note.ReplyID, viewer, false)
			if err != nil {
				return nil, err
			}
			pn.Reply = reply
		}
		if note.RenoteID != nil {
			renote, err := s.Resolve(ctx, *note.RenoteID, viewer, false)
			if err != nil {
				return nil, err
			}
			pn.Renote = renote
		}
	}

	return pn, nil
}

func (s *Store) visibleTo(ctx context.Context, note *models.Note, viewer *models.User) (bool, error) {
	if !note.Visibility.Restricted() {
		return true, nil
	}
	if viewer == nil {
		return false, nil
	}
	if viewer.ID == note.AuthorID {
		return true, nil
	}

	switch note.Visibility {
	case models.VisibilityFollowers:
		var c int64
		err := s.db.WithContext(ctx).Model(&models.FollowRecord{}).
			Where("follower = ? AND followee = ?", viewer.ID, note.AuthorID).
			Count(&c).Error
		if err != nil {
			return false, err
		}
		return c > 0, nil
	case models.VisibilitySpecified:
		for _, id := range note.VisibleUserIDs {
			if id == viewer.ID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// Pack builds the broadcast copy published on the firehose, with the
// reply and renote references hydrated one level deep. Restricted
// tiers are packed as-is here; per-viewer authorization happens at
// delivery time via Resolve.
func (s *Store) Pack(ctx context.Context, note *models.Note) (*models.PackedNote, error) {
	pn, _, err := s.packOne(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	if pn == nil {
		return nil, errors.New("cannot pack a note that is not persisted")
	}

	if note.ReplyID != nil {
		reply, _, err := s.packOne(ctx, *note.ReplyID)
		if err != nil {
			return nil, err
		}
		pn.Reply = reply
	}
	if note.RenoteID != nil {
		renote, _, err := s.packOne(ctx, *note.RenoteID)
		if err != nil {
			return nil, err
		}
		pn.Renote = renote
	}

	return pn, nil
}
