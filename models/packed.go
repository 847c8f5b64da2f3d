package models

import (
	"github.com/mikoto-social/mikoto/util"
)

// Packed types are the wire shape pushed to streaming clients and
// fanned out on the event bus. They are built once by the publisher
// and treated as immutable by everything downstream; pipeline stages
// that need to attach hydrated references must copy first.

type PackedUserLite struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Host     *string `json:"host"`
}

type PackedNote struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt"`
	UserID    string         `json:"userId"`
	User      PackedUserLite `json:"user"`

	Visibility Visibility `json:"visibility"`
	ChannelID  *string    `json:"channelId,omitempty"`
	ReplyID    *string    `json:"replyId,omitempty"`
	RenoteID   *string    `json:"renoteId,omitempty"`

	Text *string `json:"text"`
	CW   *string `json:"cw,omitempty"`

	Reply  *PackedNote `json:"reply,omitempty"`
	Renote *PackedNote `json:"renote,omitempty"`

	// set when a restricted-tier note was re-resolved for a viewer who
	// is not authorized to see it
	IsHidden bool `json:"isHidden,omitempty"`
}

// ShallowCopy returns a copy safe for per-viewer mutation (attaching
// Reply/Renote). The nested packed notes are shared, not cloned.
func (pn *PackedNote) ShallowCopy() *PackedNote {
	out := *pn
	return &out
}

type PackedMessage struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt"`
	UserID    string         `json:"userId"`
	User      PackedUserLite `json:"user"`

	RecipientID *string `json:"recipientId,omitempty"`
	GroupID     *string `json:"groupId,omitempty"`

	Text   *string `json:"text"`
	FileID *string `json:"fileId,omitempty"`

	IsRead bool     `json:"isRead"`
	Reads  []string `json:"reads,omitempty"`
}

func PackUserLite(u *User) PackedUserLite {
	return PackedUserLite{
		ID:       u.ID,
		Username: u.Username,
		Host:     u.Host,
	}
}

func PackMessage(m *MessagingMessage, author *User) *PackedMessage {
	return &PackedMessage{
		ID:          m.ID,
		CreatedAt:   m.CreatedAt.UTC().Format(util.ISO8601),
		UserID:      m.UserID,
		User:        PackUserLite(author),
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Text:        m.Text,
		FileID:      m.FileID,
		IsRead:      m.IsRead,
		Reads:       m.Reads,
	}
}
