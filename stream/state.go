package stream

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/wordmute"
)

// State is a connection's snapshot of the viewer's membership sets.
// Loaded once when the connection is established; a client that wants
// fresher sets reconnects. Everything here is read-only after load, so
// channel pipelines need no synchronization to consult it.
type State struct {
	User    *models.User
	Profile *models.UserProfile

	Following         map[string]struct{}
	Blocking          map[string]struct{}
	Muting            map[string]struct{}
	MutedNotes        map[string]struct{}
	MutedInstances    map[string]struct{}
	FollowingChannels map[string]struct{}
}

// AnonymousState is the snapshot for an unauthenticated connection.
func AnonymousState() *State {
	return &State{}
}

func LoadState(ctx context.Context, db *gorm.DB, user *models.User) (*State, error) {
	st := &State{
		User:              user,
		Following:         make(map[string]struct{}),
		Blocking:          make(map[string]struct{}),
		Muting:            make(map[string]struct{}),
		MutedNotes:        make(map[string]struct{}),
		MutedInstances:    make(map[string]struct{}),
		FollowingChannels: make(map[string]struct{}),
	}
	if user == nil {
		return st, nil
	}

	var profile models.UserProfile
	if err := db.WithContext(ctx).First(&profile, "user_id = ?", user.ID).Error; err == nil {
		st.Profile = &profile
		for _, h := range profile.MutedInstances {
			st.MutedInstances[h] = struct{}{}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var follows []models.FollowRecord
	if err := db.WithContext(ctx).Find(&follows, "follower = ?", user.ID).Error; err != nil {
		return nil, err
	}
	for _, f := range follows {
		st.Following[f.Followee] = struct{}{}
	}

	var blocks []models.BlockRecord
	if err := db.WithContext(ctx).Find(&blocks, "blocker = ? OR target = ?", user.ID, user.ID).Error; err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Blocker == user.ID {
			st.Blocking[b.Target] = struct{}{}
		} else {
			st.Blocking[b.Blocker] = struct{}{}
		}
	}

	var mutes []models.MuteRecord
	if err := db.WithContext(ctx).Find(&mutes, "muter = ?", user.ID).Error; err != nil {
		return nil, err
	}
	for _, m := range mutes {
		st.Muting[m.Target] = struct{}{}
	}

	var noteMutes []models.NoteMuteRecord
	if err := db.WithContext(ctx).Find(&noteMutes, "muter = ?", user.ID).Error; err != nil {
		return nil, err
	}
	for _, nm := range noteMutes {
		st.MutedNotes[nm.NoteID] = struct{}{}
	}

	var chfollows []models.ChannelFollowRecord
	if err := db.WithContext(ctx).Find(&chfollows, "follower = ?", user.ID).Error; err != nil {
		return nil, err
	}
	for _, cf := range chfollows {
		st.FollowingChannels[cf.Channel] = struct{}{}
	}

	return st, nil
}

func (st *State) viewerID() string {
	if st.User == nil {
		return ""
	}
	return st.User.ID
}

func (st *State) follows(userID string) bool {
	_, ok := st.Following[userID]
	return ok
}

func (st *State) followsChannel(channelID string) bool {
	_, ok := st.FollowingChannels[channelID]
	return ok
}

func (st *State) showTimelineReplies() bool {
	if st.Profile == nil {
		return true
	}
	return st.Profile.ShowTimelineReplies
}

func (st *State) mutedWords() []wordmute.Pattern {
	if st.Profile == nil {
		return nil
	}
	return st.Profile.MutedWords
}
