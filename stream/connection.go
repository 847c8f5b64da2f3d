package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/models"
)

// SendFunc pushes one serialized frame to the client. Implementations
// must be safe to call from multiple goroutines.
type SendFunc func(data []byte) error

// Deps bundles the collaborators every connection shares.
type Deps struct {
	Events     *events.EventManager
	Notes      NoteResolver
	Roles      PolicyResolver
	Groups     GroupMembership
	Dispatcher *Dispatcher
	Log        *slog.Logger
}

type disposable interface {
	Dispose()
}

// Connection is one client transport session: the viewer's membership
// snapshot plus the set of channel instances attached over it.
type Connection struct {
	deps  *Deps
	state *State
	send  SendFunc
	log   *slog.Logger

	lk       sync.Mutex
	channels map[string]disposable

	// recently delivered notes, kept so later frames about them do not
	// need a store round trip
	noteCache *lru.Cache[string, *models.PackedNote]
}

const noteCacheSize = 32

func NewConnection(deps *Deps, state *State, send SendFunc) *Connection {
	cache, _ := lru.New[string, *models.PackedNote](noteCacheSize)
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		deps:      deps,
		state:     state,
		send:      send,
		log:       log.With("system", "stream", "viewer", state.viewerID()),
		channels:  make(map[string]disposable),
		noteCache: cache,
	}
}

// ConnectParams carries the kind-specific arguments of a connect
// frame.
type ConnectParams struct {
	OtherpartyID *string `json:"otherparty,omitempty"`
	GroupID      *string `json:"group,omitempty"`
}

// Connect attaches a channel instance with the client-chosen id. A
// reused id replaces the previous instance.
func (conn *Connection) Connect(ctx context.Context, id, kind string, params ConnectParams) error {
	if policy, ok := scopePolicies[kind]; ok {
		ch := newChannel(id, policy, conn)
		if err := ch.Init(ctx); err != nil {
			return err
		}
		conn.attach(id, ch)
		return nil
	}

	viewer := conn.state.User
	switch kind {
	case ChannelMain:
		if viewer == nil {
			return ErrCredentialRequired
		}
		return conn.connectTopic(ctx, id, events.TopicMain(viewer.ID))

	case ChannelMessaging:
		if viewer == nil {
			return ErrCredentialRequired
		}
		switch {
		case params.GroupID != nil:
			member, err := conn.deps.Groups.IsGroupMember(ctx, viewer.ID, *params.GroupID)
			if err != nil {
				return err
			}
			if !member {
				return ErrAccessDenied
			}
			return conn.connectTopic(ctx, id, events.TopicGroupMessaging(*params.GroupID))
		case params.OtherpartyID != nil:
			return conn.connectTopic(ctx, id, events.TopicMessaging(viewer.ID, *params.OtherpartyID))
		default:
			return fmt.Errorf("messaging channel needs an otherparty or group: %w", ErrUnknownChannel)
		}

	case ChannelMessagingIndex:
		if viewer == nil {
			return ErrCredentialRequired
		}
		return conn.connectTopic(ctx, id, events.TopicMessagingIndex(viewer.ID))

	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, kind)
	}
}

func (conn *Connection) connectTopic(ctx context.Context, id string, topic events.Topic) error {
	tc, err := newTopicChannel(ctx, id, topic, conn)
	if err != nil {
		return err
	}
	conn.attach(id, tc)
	return nil
}

func (conn *Connection) attach(id string, ch disposable) {
	conn.lk.Lock()
	prev := conn.channels[id]
	conn.channels[id] = ch
	conn.lk.Unlock()
	if prev != nil {
		prev.Dispose()
	}
}

// Disconnect detaches one channel instance. Unknown ids are ignored.
func (conn *Connection) Disconnect(id string) {
	conn.lk.Lock()
	ch, ok := conn.channels[id]
	delete(conn.channels, id)
	conn.lk.Unlock()
	if ok {
		ch.Dispose()
	}
}

// Close tears down every attached channel. Called when the transport
// goes away; idempotent.
func (conn *Connection) Close() {
	conn.lk.Lock()
	chans := conn.channels
	conn.channels = make(map[string]disposable)
	conn.lk.Unlock()
	for _, ch := range chans {
		ch.Dispose()
	}
}

// Viewer returns the authenticated user, or nil for an anonymous
// connection.
func (conn *Connection) Viewer() *models.User {
	return conn.state.User
}

func (conn *Connection) CacheNote(note *models.PackedNote) {
	conn.noteCache.Add(note.ID, note)
}

func (conn *Connection) CachedNote(id string) (*models.PackedNote, bool) {
	return conn.noteCache.Get(id)
}

type channelFrame struct {
	Type string           `json:"type"`
	Body channelFrameBody `json:"body"`
}

type channelFrameBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Body any    `json:"body"`
}

func (conn *Connection) sendToChannel(id, kind string, body any) {
	frame := channelFrame{
		Type: "channel",
		Body: channelFrameBody{ID: id, Type: kind, Body: body},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		conn.log.Error("failed to encode stream frame", "channel", id, "kind", kind, "err", err)
		return
	}
	if err := conn.send(data); err != nil {
		conn.log.Warn("failed to push stream frame", "channel", id, "kind", kind, "err", err)
	}
}
