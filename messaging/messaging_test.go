package messaging

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/federation"
	"github.com/mikoto-social/mikoto/internal/delay"
	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/notifs"
)

type fakePusher struct {
	lk     sync.Mutex
	pushes []string
}

func (f *fakePusher) Push(ctx context.Context, userID, kind string, payload any) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.pushes = append(f.pushes, userID+":"+kind)
}

func (f *fakePusher) got(entry string) bool {
	f.lk.Lock()
	defer f.lk.Unlock()
	for _, p := range f.pushes {
		if p == entry {
			return true
		}
	}
	return false
}

type fakeDeliverer struct {
	lk         sync.Mutex
	activities []map[string]any
	inboxes    []string
}

func (f *fakeDeliverer) Deliver(ctx context.Context, activity map[string]any, inbox string) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.activities = append(f.activities, activity)
	f.inboxes = append(f.inboxes, inbox)
	return nil
}

type harness struct {
	db        *gorm.DB
	em        *events.EventManager
	svc       *Service
	pusher    *fakePusher
	deliverer *fakeDeliverer
	sched     *delay.Scheduler
}

func setup(t *testing.T) *harness {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateAll(db))

	nm, err := notifs.NewNotificationManager(db)
	require.NoError(t, err)

	em := events.NewEventManager()
	go em.Run()
	t.Cleanup(em.Shutdown)

	sched := delay.NewScheduler()
	t.Cleanup(sched.Shutdown)

	pusher := &fakePusher{}
	deliverer := &fakeDeliverer{}
	svc := NewService(db, em, nm, pusher, federation.NewRenderer("https://miko.example"), deliverer, sched)
	// long enough that a read issued right after create lands first,
	// short enough to wait out in assertQuiet
	svc.SetUnreadDelay(250 * time.Millisecond)

	return &harness{db: db, em: em, svc: svc, pusher: pusher, deliverer: deliverer, sched: sched}
}

func (h *harness) user(t *testing.T, id string) *models.User {
	u := &models.User{ID: id, Username: id}
	require.NoError(t, h.db.Create(u).Error)
	return u
}

func (h *harness) remoteUser(t *testing.T, id, host string) *models.User {
	uri := "https://" + host + "/users/" + id
	inbox := uri + "/inbox"
	u := &models.User{ID: id, Username: id, Host: &host, URI: &uri, Inbox: &inbox}
	require.NoError(t, h.db.Create(u).Error)
	return u
}

func (h *harness) group(t *testing.T, id string, memberIDs ...string) *models.UserGroup {
	g := &models.UserGroup{ID: id, Name: id, OwnerID: memberIDs[0]}
	require.NoError(t, h.db.Create(g).Error)
	for _, uid := range memberIDs {
		require.NoError(t, h.db.Create(&models.UserGroupJoining{UserID: uid, GroupID: id}).Error)
	}
	return g
}

func (h *harness) watch(t *testing.T, topic events.Topic) <-chan *events.StreamEvent {
	evts, cancel, err := h.em.Subscribe(context.TODO(), topic, "test", nil)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return evts
}

func recvEvent(t *testing.T, ch <-chan *events.StreamEvent) *events.StreamEvent {
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertQuiet(t *testing.T, ch <-chan *events.StreamEvent) {
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %s", evt.Kind())
	case <-time.After(600 * time.Millisecond):
	}
}

func strp(s string) *string { return &s }

func TestCreateMessageFansOut(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	aliceSide := h.watch(t, events.TopicMessaging("alice", "bob"))
	bobSide := h.watch(t, events.TopicMessaging("bob", "alice"))
	bobIndex := h.watch(t, events.TopicMessagingIndex("bob"))
	bobMain := h.watch(t, events.TopicMain("bob"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", packed.UserID)
	assert.Equal(t, "bob", *packed.RecipientID)

	for _, ch := range []<-chan *events.StreamEvent{aliceSide, bobSide, bobIndex} {
		evt := recvEvent(t, ch)
		require.NotNil(t, evt.MessageCreated)
		assert.Equal(t, packed.ID, evt.MessageCreated.ID)
	}
	evt := recvEvent(t, bobMain)
	require.NotNil(t, evt.Notify)
	assert.Equal(t, events.NotifyMessagingMessage, evt.Notify.Kind)
}

func TestCreateMessageRequiresOneTarget(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	_, err := h.svc.CreateMessage(context.TODO(), alice, nil, nil, strp("hi"), nil, nil)
	assert.ErrorIs(t, err, ErrBadRecipient)
}

func TestUnreadSignalFiresWhenNotRead(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	bobMain := h.watch(t, events.TopicMain("bob"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)

	evt := recvEvent(t, bobMain)
	assert.Equal(t, events.NotifyMessagingMessage, evt.Notify.Kind)

	evt = recvEvent(t, bobMain)
	require.NotNil(t, evt.Notify)
	assert.Equal(t, events.NotifyUnreadMessagingMessage, evt.Notify.Kind)
	assert.Equal(t, packed.ID, evt.Notify.Message.ID)

	assert.True(t, h.pusher.got("bob:unreadMessagingMessage"))

	var notif notifs.NotifRecord
	// signalUnread publishes the event before persisting the record, so
	// tolerate the persistence window rather than asserting immediately
	require.Eventually(t, func() bool {
		return h.db.First(&notif, "notifiee_id = ?", "bob").Error == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, notifs.KindChatMessageReceived, notif.Kind)
	assert.Equal(t, "alice", notif.NotifierID)
}

func TestUnreadSignalSuppressedByRead(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	bobMain := h.watch(t, events.TopicMain("bob"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobMain) // messagingMessage

	require.NoError(t, h.svc.ReadUserMessages(context.TODO(), "bob", "alice", []string{packed.ID}))

	// readAllMessagingMessages arrives, but never an unread signal
	evt := recvEvent(t, bobMain)
	assert.Equal(t, events.NotifyReadAllMessages, evt.Notify.Kind)
	assertQuiet(t, bobMain)
}

func TestUnreadSignalSuppressedByDelete(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	bobMain := h.watch(t, events.TopicMain("bob"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobMain)

	require.NoError(t, h.svc.DeleteMessage(context.TODO(), "alice", packed.ID))
	assertQuiet(t, bobMain)
}

func TestUnreadSignalSuppressedByFreshMute(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	bobMain := h.watch(t, events.TopicMain("bob"))

	_, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobMain)

	// bob mutes alice inside the window
	require.NoError(t, h.db.Create(&models.MuteRecord{Muter: "bob", Target: "alice"}).Error)
	assertQuiet(t, bobMain)
}

func TestUnreadSignalSkipsRemoteRecipient(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	remote := h.remoteUser(t, "bob", "remote.example")

	bobMain := h.watch(t, events.TopicMain("bob"))

	_, err := h.svc.CreateMessage(context.TODO(), alice, remote, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobMain) // messagingMessage

	// the remote server got the Create activity; no unread signal, push
	// or notification follows
	assertQuiet(t, bobMain)
	assert.False(t, h.pusher.got("bob:unreadMessagingMessage"))
	err = h.db.First(&notifs.NotifRecord{}, "notifiee_id = ?", "bob").Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGroupUnreadDecidedPerMember(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	h.user(t, "bob")
	h.user(t, "carol")
	g := h.group(t, "g1", "alice", "bob", "carol")

	bobMain := h.watch(t, events.TopicMain("bob"))
	carolMain := h.watch(t, events.TopicMain("carol"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, nil, g, strp("hi all"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobMain)   // messagingMessage
	recvEvent(t, carolMain) // messagingMessage

	// bob reads inside the window, carol does not
	require.NoError(t, h.svc.ReadGroupMessages(context.TODO(), "bob", "g1", []string{packed.ID}))
	recvEvent(t, bobMain) // readAllMessagingMessages

	evt := recvEvent(t, carolMain)
	require.NotNil(t, evt.Notify)
	assert.Equal(t, events.NotifyUnreadMessagingMessage, evt.Notify.Kind)

	assertQuiet(t, bobMain)
	assert.False(t, h.pusher.got("bob:unreadMessagingMessage"))
	assert.True(t, h.pusher.got("carol:unreadMessagingMessage"))
}

func TestReadUserMessagesAccessDenied(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	h.user(t, "mallory")

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)

	err = h.svc.ReadUserMessages(context.TODO(), "mallory", "alice", []string{packed.ID})
	assert.ErrorIs(t, err, ErrAccessDenied)

	var msg models.MessagingMessage
	require.NoError(t, h.db.First(&msg, "id = ?", packed.ID).Error)
	assert.False(t, msg.IsRead)
}

func TestReadUserMessagesPublishesReceipt(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	aliceSide := h.watch(t, events.TopicMessaging("alice", "bob"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, aliceSide) // message

	require.NoError(t, h.svc.ReadUserMessages(context.TODO(), "bob", "alice", []string{packed.ID}))

	evt := recvEvent(t, aliceSide)
	require.NotNil(t, evt.MessageRead)
	assert.Equal(t, []string{packed.ID}, evt.MessageRead.IDs)

	// a second read of the same ids is a no-op
	require.NoError(t, h.svc.ReadUserMessages(context.TODO(), "bob", "alice", []string{packed.ID}))
	assertQuiet(t, aliceSide)
}

func TestReadGroupMessages(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	h.user(t, "bob")
	g := h.group(t, "g1", "alice", "bob")

	groupStream := h.watch(t, events.TopicGroupMessaging("g1"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, nil, g, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, groupStream) // message

	err = h.svc.ReadGroupMessages(context.TODO(), "mallory", "g1", []string{packed.ID})
	assert.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, h.svc.ReadGroupMessages(context.TODO(), "bob", "g1", []string{packed.ID}))
	evt := recvEvent(t, groupStream)
	require.NotNil(t, evt.GroupMessageRead)
	assert.Equal(t, "bob", evt.GroupMessageRead.UserID)
	assert.Equal(t, []string{packed.ID}, evt.GroupMessageRead.IDs)

	var msg models.MessagingMessage
	require.NoError(t, h.db.First(&msg, "id = ?", packed.ID).Error)
	assert.Contains(t, msg.Reads, "bob")
}

func TestGroupSenderNotMember(t *testing.T) {
	h := setup(t)
	outsider := h.user(t, "outsider")
	h.user(t, "alice")
	g := h.group(t, "g1", "alice")

	_, err := h.svc.CreateMessage(context.TODO(), outsider, nil, g, strp("hi"), nil, nil)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDeleteMessage(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	bobSide := h.watch(t, events.TopicMessaging("bob", "alice"))

	packed, err := h.svc.CreateMessage(context.TODO(), alice, bob, nil, strp("hi"), nil, nil)
	require.NoError(t, err)
	recvEvent(t, bobSide) // message

	err = h.svc.DeleteMessage(context.TODO(), "bob", packed.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, h.svc.DeleteMessage(context.TODO(), "alice", packed.ID))
	evt := recvEvent(t, bobSide)
	require.NotNil(t, evt.MessagesDeleted)
	assert.Equal(t, []string{packed.ID}, evt.MessagesDeleted.IDs)

	err = h.db.First(&models.MessagingMessage{}, "id = ?", packed.ID).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRemoteRecipientGetsCreateActivity(t *testing.T) {
	h := setup(t)
	alice := h.user(t, "alice")
	remote := h.remoteUser(t, "bob", "remote.example")

	_, err := h.svc.CreateMessage(context.TODO(), alice, remote, nil, strp("hi"), nil, nil)
	require.NoError(t, err)

	require.Len(t, h.deliverer.activities, 1)
	assert.Equal(t, "Create", h.deliverer.activities[0]["type"])
	assert.Equal(t, "https://remote.example/users/bob/inbox", h.deliverer.inboxes[0])
}

func TestReadingRemoteMessageSendsReadActivity(t *testing.T) {
	h := setup(t)
	remote := h.remoteUser(t, "bob", "remote.example")
	alice := h.user(t, "alice")

	uri := "https://remote.example/objects/42"
	packed, err := h.svc.CreateMessage(context.TODO(), remote, alice, nil, strp("hi"), nil, &uri)
	require.NoError(t, err)

	require.NoError(t, h.svc.ReadUserMessages(context.TODO(), "alice", "bob", []string{packed.ID}))

	require.Len(t, h.deliverer.activities, 1)
	assert.Equal(t, "Read", h.deliverer.activities[0]["type"])
	assert.Equal(t, uri, h.deliverer.activities[0]["object"])
}
