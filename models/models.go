package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/wordmute"
)

type Visibility string

const (
	VisibilityPublic    = Visibility("public")
	VisibilityHome      = Visibility("home")
	VisibilityFollowers = Visibility("followers")
	VisibilitySpecified = Visibility("specified")
)

// Restricted reports whether delivery to a specific viewer requires
// re-resolving the note for that viewer. The broadcast copy of a
// followers/specified note is not sufficiently redacted to hand out.
func (v Visibility) Restricted() bool {
	return v == VisibilityFollowers || v == VisibilitySpecified
}

type User struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Username    string  `gorm:"index:idx_user_acct,unique"`
	Host        *string `gorm:"index:idx_user_acct,unique"`
	DisplayName string

	// remote actors only
	URI   *string `gorm:"index"`
	Inbox *string
}

func (u *User) IsLocal() bool {
	return u.Host == nil
}

func (u *User) IsRemote() bool {
	return u.Host != nil
}

type UserProfile struct {
	UserID    string `gorm:"primarykey"`
	UpdatedAt time.Time

	MutedWords     []wordmute.Pattern `gorm:"serializer:json"`
	MutedInstances []string           `gorm:"serializer:json"`

	ShowTimelineReplies bool
}

type FollowRecord struct {
	gorm.Model
	Follower string `gorm:"index:idx_follow_pair,unique"`
	Followee string `gorm:"index:idx_follow_pair,unique"`
}

type BlockRecord struct {
	gorm.Model
	Blocker string `gorm:"index:idx_block_pair,unique"`
	Target  string `gorm:"index:idx_block_pair,unique"`
}

type MuteRecord struct {
	gorm.Model
	Muter  string `gorm:"index:idx_mute_pair,unique"`
	Target string `gorm:"index:idx_mute_pair,unique"`
}

// NoteMuteRecord silences a single note (and anything replying to or
// renoting it) for one user, independent of who authored it.
type NoteMuteRecord struct {
	gorm.Model
	Muter  string `gorm:"index:idx_notemute_pair,unique"`
	NoteID string `gorm:"index:idx_notemute_pair,unique"`
}

// Channel is a community channel notes can be posted into; not to be
// confused with a streaming channel instance.
type Channel struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time

	Name    string
	OwnerID string `gorm:"index"`
}

type ChannelFollowRecord struct {
	gorm.Model
	Follower string `gorm:"index:idx_chfollow_pair,unique"`
	Channel  string `gorm:"index:idx_chfollow_pair,unique"`
}

type Note struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time

	AuthorID   string  `gorm:"index"`
	AuthorHost *string // denormalized origin instance, nil for local

	Visibility Visibility
	ChannelID  *string `gorm:"index"`
	ReplyID    *string `gorm:"index"`
	RenoteID   *string `gorm:"index"`

	Text *string
	CW   *string

	// specified visibility only
	VisibleUserIDs []string `gorm:"serializer:json"`
}

type UserGroup struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time

	Name    string
	OwnerID string `gorm:"index"`
}

type UserGroupJoining struct {
	gorm.Model
	UserID  string `gorm:"index:idx_joining_pair,unique"`
	GroupID string `gorm:"index:idx_joining_pair,unique"`
}

type MessagingMessage struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time

	UserID      string  `gorm:"index"`
	RecipientID *string `gorm:"index"`
	GroupID     *string `gorm:"index"`

	Text   *string
	FileID *string

	// direct messages
	IsRead bool
	// group messages: ids of members who have read it
	Reads []string `gorm:"serializer:json"`

	// remote-originated messages carry their ActivityPub object id
	URI *string
}

// AutoMigrateAll creates or updates every table the streaming core
// touches. Called once at daemon startup.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&UserProfile{},
		&FollowRecord{},
		&BlockRecord{},
		&MuteRecord{},
		&NoteMuteRecord{},
		&Channel{},
		&ChannelFollowRecord{},
		&Note{},
		&UserGroup{},
		&UserGroupJoining{},
		&MessagingMessage{},
	)
}
