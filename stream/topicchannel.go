package stream

import (
	"context"
	"sync"

	"github.com/mikoto-social/mikoto/events"
)

// topicChannel forwards one bus topic to the connection verbatim. It
// covers the main stream and every messaging stream; the only
// per-event work is reshaping into the client frame.
type topicChannel struct {
	id   string
	conn *Connection

	evts   <-chan *events.StreamEvent
	cancel func()

	disposeOnce sync.Once
	done        chan struct{}
}

func newTopicChannel(ctx context.Context, id string, topic events.Topic, conn *Connection) (*topicChannel, error) {
	evts, cancel, err := conn.deps.Events.Subscribe(ctx, topic, conn.state.viewerID(), nil)
	if err != nil {
		return nil, err
	}
	tc := &topicChannel{
		id:     id,
		conn:   conn,
		evts:   evts,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go tc.run()
	return tc, nil
}

func (tc *topicChannel) run() {
	for {
		select {
		case evt := <-tc.evts:
			tc.conn.sendToChannel(tc.id, evt.Kind(), evt.Body())
		case <-tc.done:
			return
		}
	}
}

func (tc *topicChannel) Dispose() {
	tc.disposeOnce.Do(func() {
		tc.cancel()
		close(tc.done)
	})
}
