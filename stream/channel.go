package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/util"
	"github.com/mikoto-social/mikoto/wordmute"
)

// Channel is one live timeline subscription: a (connection, scope
// policy) pair registered with the dispatcher. The dispatcher invokes
// OnNote for every firehose note; the channel decides per viewer
// whether and in what shape the note goes out.
//
// ID is the client-chosen identifier used to route frames back over
// the websocket; it is only unique within one connection. key is the
// process-unique handle the dispatcher registers and schedules by, so
// two connections reusing the same client id never collide.
type Channel struct {
	ID     string
	key    string
	policy ScopePolicy
	conn   *Connection

	disposed    atomic.Bool
	disposeOnce sync.Once
}

func newChannel(id string, policy ScopePolicy, conn *Connection) *Channel {
	return &Channel{ID: id, key: util.NewAid(), policy: policy, conn: conn}
}

// Init runs the admission checks and registers the channel for
// firehose fan-out.
func (c *Channel) Init(ctx context.Context) error {
	st := c.conn.state
	if c.policy.RequireCredential && st.User == nil {
		return ErrCredentialRequired
	}
	if c.policy.GatedByLTL {
		var uid *string
		if st.User != nil {
			uid = &st.User.ID
		}
		pol, err := c.conn.deps.Roles.GetUserPolicies(ctx, uid)
		if err != nil {
			return err
		}
		if !pol.LTLAvailable {
			return ErrNotAvailable
		}
	}
	c.conn.deps.Dispatcher.register(c)
	return nil
}

// Dispose detaches the channel from the dispatcher. Safe to call more
// than once; a note already in flight through OnNote may still be
// delivered, but nothing after.
func (c *Channel) Dispose() {
	c.disposeOnce.Do(func() {
		c.disposed.Store(true)
		c.conn.deps.Dispatcher.unregister(c)
	})
}

// OnNote runs the per-viewer delivery pipeline. Every rejection is a
// silent drop; only resolver failures surface as errors.
func (c *Channel) OnNote(ctx context.Context, note *models.PackedNote) error {
	if c.disposed.Load() {
		return nil
	}
	st := c.conn.state

	if !c.policy.Accepts(st, note) {
		return nil
	}
	if c.policy.FilterInstanceMuted && st.viewerID() != note.UserID {
		if isInstanceMuted(note, st.MutedInstances) {
			return nil
		}
	}

	out, err := c.materialize(ctx, note)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	if out.ReplyID != nil && !st.showTimelineReplies() {
		if !replyRelevant(st, out) {
			return nil
		}
	}

	if isUserRelated(out, st.Muting) && st.viewerID() != out.UserID {
		return nil
	}
	if isUserRelated(out, st.Blocking) {
		return nil
	}
	if isNoteMuted(out, st.MutedNotes) {
		return nil
	}

	if c.wordMuted(out, st) {
		return nil
	}

	if at, err := util.AidTime(out.ID); err == nil {
		fanoutLag.Observe(time.Since(at).Seconds())
	}

	c.conn.CacheNote(out)
	c.conn.sendToChannel(c.ID, "note", out)
	return nil
}

// materialize produces the viewer-specific copy of the broadcast note.
// Restricted tiers are re-resolved from the store so the visibility
// decision is made against this viewer, never trusted from the
// broadcast copy.
func (c *Channel) materialize(ctx context.Context, note *models.PackedNote) (*models.PackedNote, error) {
	if note.Visibility.Restricted() {
		resolved, err := c.conn.deps.Notes.Resolve(ctx, note.ID, c.conn.state.User, true)
		if err != nil {
			return nil, err
		}
		if resolved == nil || resolved.IsHidden {
			return nil, nil
		}
		return resolved, nil
	}

	out := note.ShallowCopy()
	if out.Reply != nil && out.Reply.Visibility.Restricted() {
		reply, err := c.resolveReference(ctx, out.Reply.ID)
		if err != nil {
			return nil, err
		}
		out.Reply = reply
	}
	if out.Renote != nil && out.Renote.Visibility.Restricted() {
		renote, err := c.resolveReference(ctx, out.Renote.ID)
		if err != nil {
			return nil, err
		}
		out.Renote = renote
	}
	return out, nil
}

// resolveReference hydrates a restricted referenced note for this
// viewer. The connection's note cache only holds copies that already
// passed this viewer's pipeline, so a hit skips the store round trip
// without weakening the visibility decision.
func (c *Channel) resolveReference(ctx context.Context, noteID string) (*models.PackedNote, error) {
	if cached, ok := c.conn.CachedNote(noteID); ok {
		return cached, nil
	}
	return c.conn.deps.Notes.Resolve(ctx, noteID, c.conn.state.User, false)
}

// replyRelevant keeps a reply on the timeline when the viewer is a
// participant or the author is talking to themselves.
func replyRelevant(st *State, note *models.PackedNote) bool {
	if note.UserID == st.viewerID() {
		return true
	}
	if note.Reply == nil {
		return false
	}
	return note.Reply.UserID == st.viewerID() || note.Reply.UserID == note.UserID
}

func (c *Channel) wordMuted(note *models.PackedNote, st *State) bool {
	patterns := st.mutedWords()
	if len(patterns) == 0 {
		return false
	}
	for _, n := range []*models.PackedNote{note, note.Reply, note.Renote} {
		if n == nil {
			continue
		}
		if wordmute.Match(wordmute.NoteLike{UserID: n.UserID, Text: n.Text, CW: n.CW}, st.viewerID(), patterns) {
			return true
		}
	}
	return false
}
