package stream

import (
	"github.com/mikoto-social/mikoto/models"
)

// isUserRelated reports whether the note's author or any referenced
// participant (reply target author, renoted author) is in ids. Pure;
// operates only on the snapshot set.
func isUserRelated(note *models.PackedNote, ids map[string]struct{}) bool {
	if len(ids) == 0 {
		return false
	}
	if _, ok := ids[note.UserID]; ok {
		return true
	}
	if note.Reply != nil {
		if _, ok := ids[note.Reply.UserID]; ok {
			return true
		}
	}
	if note.Renote != nil {
		if _, ok := ids[note.Renote.UserID]; ok {
			return true
		}
	}
	return false
}

// isNoteMuted reports whether the note itself, the note it replies to,
// or the note it renotes has been muted by the viewer.
func isNoteMuted(note *models.PackedNote, ids map[string]struct{}) bool {
	if len(ids) == 0 {
		return false
	}
	if _, ok := ids[note.ID]; ok {
		return true
	}
	if note.ReplyID != nil {
		if _, ok := ids[*note.ReplyID]; ok {
			return true
		}
	}
	if note.RenoteID != nil {
		if _, ok := ids[*note.RenoteID]; ok {
			return true
		}
	}
	return false
}

// isInstanceMuted reports whether the note, or anything it references,
// originates from a muted instance.
func isInstanceMuted(note *models.PackedNote, mutedHosts map[string]struct{}) bool {
	if len(mutedHosts) == 0 {
		return false
	}
	if hostMuted(note.User.Host, mutedHosts) {
		return true
	}
	if note.Reply != nil && hostMuted(note.Reply.User.Host, mutedHosts) {
		return true
	}
	if note.Renote != nil && hostMuted(note.Renote.User.Host, mutedHosts) {
		return true
	}
	return false
}

func hostMuted(host *string, mutedHosts map[string]struct{}) bool {
	if host == nil {
		return false
	}
	_, ok := mutedHosts[*host]
	return ok
}
