package stream

import (
	"github.com/mikoto-social/mikoto/models"
)

const (
	ChannelHomeTimeline   = "homeTimeline"
	ChannelLocalTimeline  = "localTimeline"
	ChannelHybridTimeline = "hybridTimeline"
	ChannelMain           = "main"
	ChannelMessaging      = "messaging"
	ChannelMessagingIndex = "messagingIndex"
)

// ScopePolicy is the per-timeline-kind variation: the historical
// home/local/hybrid channel implementations differed only in these
// fields, so they collapse into one table.
type ScopePolicy struct {
	Name string

	// anonymous viewers rejected at Init
	RequireCredential bool

	// subscription gated by the ltlAvailable role policy
	GatedByLTL bool

	// apply the viewer's instance-mute list; pointless for a timeline
	// that only ever carries local notes
	FilterInstanceMuted bool

	// the step-one scope predicate run against the broadcast copy
	Accepts func(st *State, note *models.PackedNote) bool
}

var scopePolicies = map[string]ScopePolicy{
	ChannelHomeTimeline: {
		Name:                ChannelHomeTimeline,
		RequireCredential:   true,
		FilterInstanceMuted: true,
		Accepts:             acceptsHome,
	},
	ChannelLocalTimeline: {
		Name:       ChannelLocalTimeline,
		GatedByLTL: true,
		Accepts:    acceptsLocal,
	},
	ChannelHybridTimeline: {
		Name:                ChannelHybridTimeline,
		RequireCredential:   true,
		GatedByLTL:          true,
		FilterInstanceMuted: true,
		Accepts:             acceptsHybrid,
	},
}

func acceptsHome(st *State, note *models.PackedNote) bool {
	if note.ChannelID != nil {
		return st.followsChannel(*note.ChannelID)
	}
	return st.viewerID() == note.UserID || st.follows(note.UserID)
}

func acceptsLocal(st *State, note *models.PackedNote) bool {
	if note.User.Host != nil {
		return false
	}
	if note.Visibility != models.VisibilityPublic {
		return false
	}
	if note.ChannelID != nil && !st.followsChannel(*note.ChannelID) {
		return false
	}
	return true
}

func acceptsHybrid(st *State, note *models.PackedNote) bool {
	if note.ChannelID != nil {
		return st.followsChannel(*note.ChannelID)
	}
	if st.viewerID() == note.UserID {
		return true
	}
	if st.follows(note.UserID) {
		return true
	}
	return note.User.Host == nil && note.Visibility == models.VisibilityPublic
}
