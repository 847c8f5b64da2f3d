package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikoto-social/mikoto/models"
)

func testNote(id string) *StreamEvent {
	return &StreamEvent{NoteCreated: &models.PackedNote{ID: id, UserID: "u1"}}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()

	em := NewEventManager()
	go em.Run()
	defer em.Shutdown()

	evts, cancel, err := em.Subscribe(ctx, TopicNotes, "test", nil)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, em.Publish(TopicNotes, testNote("n1")))

	select {
	case evt := <-evts:
		assert.Equal(t, "n1", evt.NoteCreated.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTopicIsolation(t *testing.T) {
	ctx := context.Background()

	em := NewEventManager()
	go em.Run()
	defer em.Shutdown()

	mainEvts, cancel, err := em.Subscribe(ctx, TopicMain("u1"), "test", nil)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, em.Publish(TopicNotes, testNote("n1")))
	require.NoError(t, em.Publish(TopicMain("u2"), &StreamEvent{Notify: &NotifyEvt{Kind: NotifyReadAllMessages}}))
	require.NoError(t, em.Publish(TopicMain("u1"), &StreamEvent{Notify: &NotifyEvt{Kind: NotifyReadAllMessages}}))

	select {
	case evt := <-mainEvts:
		require.NotNil(t, evt.Notify)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-mainEvts:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberFilter(t *testing.T) {
	ctx := context.Background()

	em := NewEventManager()
	go em.Run()
	defer em.Shutdown()

	evts, cancel, err := em.Subscribe(ctx, TopicNotes, "test", func(evt *StreamEvent) bool {
		return evt.NoteCreated != nil && evt.NoteCreated.ID == "keep"
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, em.Publish(TopicNotes, testNote("drop")))
	require.NoError(t, em.Publish(TopicNotes, testNote("keep")))

	select {
	case evt := <-evts:
		assert.Equal(t, "keep", evt.NoteCreated.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCancelIdempotent(t *testing.T) {
	ctx := context.Background()

	em := NewEventManager()
	go em.Run()
	defer em.Shutdown()

	evts, cancel, err := em.Subscribe(ctx, TopicNotes, "test", nil)
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, em.Publish(TopicNotes, testNote("late")))

	select {
	case evt, ok := <-evts:
		if ok {
			t.Fatalf("event delivered after cancel: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	em := NewEventManager()
	go em.Run()
	em.Shutdown()
	em.Shutdown()

	assert.Error(t, em.Publish(TopicNotes, testNote("n1")))
}

func TestEventKindAndBody(t *testing.T) {
	assert := assert.New(t)

	note := testNote("n1")
	assert.Equal("note", note.Kind())
	assert.Equal(note.NoteCreated, note.Body())

	read := &StreamEvent{MessageRead: &MessageReadEvt{IDs: []string{"m1"}}}
	assert.Equal("read", read.Kind())
	assert.Equal([]string{"m1"}, read.Body())

	notify := &StreamEvent{Notify: &NotifyEvt{Kind: NotifyUnreadMessagingMessage, Message: &models.PackedMessage{ID: "m1"}}}
	assert.Equal(NotifyUnreadMessagingMessage, notify.Kind())
}
