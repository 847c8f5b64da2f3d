package notifs

import "context"

// PushNotifier delivers out-of-band pushes (web push, mobile). The
// streaming core treats it as fire-and-forget.
type PushNotifier interface {
	Push(ctx context.Context, userID string, kind string, payload any)
}

// NullPusher drops every push; used when no push backend is configured.
type NullPusher struct{}

func (NullPusher) Push(ctx context.Context, userID string, kind string, payload any) {}
