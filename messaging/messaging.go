// Package messaging implements the chat service: message creation,
// read receipts, deletion, and the deferred unread notifier.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/federation"
	"github.com/mikoto-social/mikoto/internal/delay"
	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/notifs"
	"github.com/mikoto-social/mikoto/util"
)

var (
	// ErrAccessDenied is returned when the caller is not a participant
	// of the conversation they are operating on.
	ErrAccessDenied = errors.New("access denied")

	ErrBadRecipient = errors.New("exactly one of recipient user or group required")
)

// ActivityDeliverer enqueues an outbound ActivityPub activity.
type ActivityDeliverer interface {
	Deliver(ctx context.Context, activity map[string]any, inbox string) error
}

// defaultUnreadDelay is how long a freshly created message has to be
// read before the recipient gets an unread signal.
const defaultUnreadDelay = 2000 * time.Millisecond

type Service struct {
	db        *gorm.DB
	em        *events.EventManager
	notifs    *notifs.NotificationManager
	pusher    notifs.PushNotifier
	renderer  *federation.Renderer
	deliverer ActivityDeliverer
	delay     *delay.Scheduler

	unreadDelay time.Duration

	log *slog.Logger
}

func NewService(db *gorm.DB, em *events.EventManager, nm *notifs.NotificationManager, pusher notifs.PushNotifier, renderer *federation.Renderer, deliverer ActivityDeliverer, sched *delay.Scheduler) *Service {
	return &Service{
		db:          db,
		em:          em,
		notifs:      nm,
		pusher:      pusher,
		renderer:    renderer,
		deliverer:   deliverer,
		delay:       sched,
		unreadDelay: defaultUnreadDelay,
		log:         slog.Default().With("system", "messaging"),
	}
}

// SetUnreadDelay overrides the unread-check delay. Only called during
// setup, before the service handles traffic.
func (s *Service) SetUnreadDelay(d time.Duration) {
	s.unreadDelay = d
}

// CreateMessage persists and fans out a new chat message, arms the
// deferred unread check, and hands remote deliveries to the federation
// queue. Exactly one of recipient and group must be set.
func (s *Service) CreateMessage(ctx context.Context, from *models.User, recipient *models.User, group *models.UserGroup, text *string, fileID *string, uri *string) (*models.PackedMessage, error) {
	if (recipient == nil) == (group == nil) {
		return nil, ErrBadRecipient
	}

	msg := &models.MessagingMessage{
		ID:        util.NewAid(),
		CreatedAt: time.Now(),
		UserID:    from.ID,
		Text:      text,
		FileID:    fileID,
		URI:       uri,
	}
	if recipient != nil {
		msg.RecipientID = &recipient.ID
	}
	if group != nil {
		member, err := s.IsGroupMember(ctx, from.ID, group.ID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, fmt.Errorf("sender is not in the group: %w", ErrAccessDenied)
		}
		msg.GroupID = &group.ID
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	packed := models.PackMessage(msg, from)
	created := &events.StreamEvent{MessageCreated: packed}
	notify := &events.StreamEvent{Notify: &events.NotifyEvt{Kind: events.NotifyMessagingMessage, Message: packed}}

	if recipient != nil {
		s.publish(events.TopicMessaging(from.ID, recipient.ID), created)
		s.publish(events.TopicMessaging(recipient.ID, from.ID), created)
		for _, uid := range []string{from.ID, recipient.ID} {
			s.publish(events.TopicMessagingIndex(uid), created)
			s.publish(events.TopicMain(uid), notify)
		}
	} else {
		s.publish(events.TopicGroupMessaging(group.ID), created)
		members, err := s.groupMemberIDs(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		for _, uid := range members {
			s.publish(events.TopicMessagingIndex(uid), created)
			s.publish(events.TopicMain(uid), notify)
		}
	}

	s.delay.After(s.unreadDelay, func(ctx context.Context) {
		if err := s.checkUnread(ctx, msg.ID); err != nil {
			s.log.Error("deferred unread check failed", "message", msg.ID, "err", err)
		}
	})

	if recipient != nil && from.IsLocal() && recipient.IsRemote() {
		s.deliverCreate(ctx, msg, from, recipient)
	}

	return packed, nil
}

// checkUnread fires once per message, after the unread delay. It
// decides against the database state at fire time, not creation time:
// a read, a delete, or a fresh mute of the sender in the window all
// suppress the signal.
func (s *Service) checkUnread(ctx context.Context, messageID string) error {
	var msg models.MessagingMessage
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	var author models.User
	if err := s.db.WithContext(ctx).First(&author, "id = ?", msg.UserID).Error; err != nil {
		return err
	}
	packed := models.PackMessage(&msg, &author)

	if msg.RecipientID != nil {
		if msg.IsRead {
			return nil
		}
		// remote recipients get the Create activity instead; the unread
		// signal only means something to a local session
		var recipient models.User
		if err := s.db.WithContext(ctx).First(&recipient, "id = ?", *msg.RecipientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if recipient.IsRemote() {
			return nil
		}
		var muted int64
		if err := s.db.WithContext(ctx).Model(&models.MuteRecord{}).Where("muter = ? AND target = ?", *msg.RecipientID, msg.UserID).Count(&muted).Error; err != nil {
			return err
		}
		if muted > 0 {
			return nil
		}
		s.signalUnread(ctx, *msg.RecipientID, packed)
		return nil
	}

	members, err := s.groupMemberIDs(ctx, *msg.GroupID)
	if err != nil {
		return err
	}
	reads := make(map[string]struct{}, len(msg.Reads))
	for _, uid := range msg.Reads {
		reads[uid] = struct{}{}
	}
	for _, uid := range members {
		if uid == msg.UserID {
			continue
		}
		if _, ok := reads[uid]; ok {
			continue
		}
		s.signalUnread(ctx, uid, packed)
	}
	return nil
}

func (s *Service) signalUnread(ctx context.Context, userID string, packed *models.PackedMessage) {
	s.publish(events.TopicMain(userID), &events.StreamEvent{
		Notify: &events.NotifyEvt{Kind: events.NotifyUnreadMessagingMessage, Message: packed},
	})
	s.pusher.Push(ctx, userID, events.NotifyUnreadMessagingMessage, packed)
	if err := s.notifs.CreateNotification(ctx, userID, notifs.KindChatMessageReceived, notifs.Detail{
		NotifierID: packed.UserID,
		MessageID:  &packed.ID,
	}); err != nil {
		s.log.Error("failed to persist chat notification", "notifiee", userID, "err", err)
	}
}

// ReadUserMessages marks messages from otherparty as read on behalf of
// userID. Every id must belong to this conversation with userID as the
// recipient.
func (s *Service) ReadUserMessages(ctx context.Context, userID, otherpartyID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var msgs []models.MessagingMessage
	if err := s.db.WithContext(ctx).Find(&msgs, "id IN ?", ids).Error; err != nil {
		return err
	}

	read := make([]string, 0, len(msgs))
	var remote []models.MessagingMessage
	for _, m := range msgs {
		if m.RecipientID == nil || *m.RecipientID != userID || m.UserID != otherpartyID {
			return fmt.Errorf("message %s is not addressed to the caller: %w", m.ID, ErrAccessDenied)
		}
		if m.IsRead {
			continue
		}
		read = append(read, m.ID)
		if m.URI != nil {
			remote = append(remote, m)
		}
	}
	if len(read) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.MessagingMessage{}).Where("id IN ?", read).Update("is_read", true).Error; err != nil {
		return err
	}

	// the sender's side of the conversation sees the receipt
	s.publish(events.TopicMessaging(otherpartyID, userID), &events.StreamEvent{MessageRead: &events.MessageReadEvt{IDs: read}})

	if err := s.signalReadAll(ctx, userID, &otherpartyID, nil); err != nil {
		return err
	}

	if len(remote) > 0 {
		s.deliverRead(ctx, userID, otherpartyID, remote)
	}
	return nil
}

// ReadGroupMessages records userID's read receipts in a group
// conversation.
func (s *Service) ReadGroupMessages(ctx context.Context, userID, groupID string, ids []string) error {
	member, err := s.IsGroupMember(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("caller is not in the group: %w", ErrAccessDenied)
	}
	if len(ids) == 0 {
		return nil
	}

	var msgs []models.MessagingMessage
	if err := s.db.WithContext(ctx).Find(&msgs, "id IN ? AND group_id = ?", ids, groupID).Error; err != nil {
		return err
	}

	read := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID == userID || contains(m.Reads, userID) {
			continue
		}
		m.Reads = append(m.Reads, userID)
		// struct-based update so the json serializer on Reads applies
		if err := s.db.WithContext(ctx).Model(&m).Select("reads").Updates(&m).Error; err != nil {
			return err
		}
		read = append(read, m.ID)
	}
	if len(read) == 0 {
		return nil
	}

	s.publish(events.TopicGroupMessaging(groupID), &events.StreamEvent{
		GroupMessageRead: &events.GroupMessageReadEvt{IDs: read, UserID: userID},
	})

	return s.signalReadAll(ctx, userID, nil, &groupID)
}

// signalReadAll tells the client when its unread badge can clear:
// globally when nothing at all is unread, otherwise per room when the
// just-read room is clean.
func (s *Service) signalReadAll(ctx context.Context, userID string, roomUserID, roomGroupID *string) error {
	unread, err := s.HasUnreadMessages(ctx, userID)
	if err != nil {
		return err
	}
	if !unread {
		s.publish(events.TopicMain(userID), &events.StreamEvent{
			Notify: &events.NotifyEvt{Kind: events.NotifyReadAllMessages},
		})
		s.pusher.Push(ctx, userID, events.NotifyReadAllMessages, nil)
		return nil
	}

	clean, err := s.roomClean(ctx, userID, roomUserID, roomGroupID)
	if err != nil {
		return err
	}
	if clean {
		s.pusher.Push(ctx, userID, events.NotifyReadAllMessagesOfARoom, &events.NotifyEvt{
			Kind:        events.NotifyReadAllMessagesOfARoom,
			RoomUserID:  roomUserID,
			RoomGroupID: roomGroupID,
		})
	}
	return nil
}

func (s *Service) roomClean(ctx context.Context, userID string, roomUserID, roomGroupID *string) (bool, error) {
	if roomUserID != nil {
		var c int64
		err := s.db.WithContext(ctx).Model(&models.MessagingMessage{}).
			Where("user_id = ? AND recipient_id = ? AND is_read = ?", *roomUserID, userID, false).
			Count(&c).Error
		return c == 0, err
	}
	n, err := s.unreadGroupCount(ctx, userID, *roomGroupID)
	return n == 0, err
}

// DeleteMessage removes a message its author no longer wants seen.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	var msg models.MessagingMessage
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		return err
	}
	if msg.UserID != userID {
		return fmt.Errorf("only the author can delete a message: %w", ErrAccessDenied)
	}

	if err := s.db.WithContext(ctx).Delete(&models.MessagingMessage{}, "id = ?", msg.ID).Error; err != nil {
		return err
	}

	deleted := &events.StreamEvent{MessagesDeleted: &events.MessagesDeletedEvt{IDs: []string{msg.ID}}}
	if msg.RecipientID != nil {
		s.publish(events.TopicMessaging(msg.UserID, *msg.RecipientID), deleted)
		s.publish(events.TopicMessaging(*msg.RecipientID, msg.UserID), deleted)
		s.deliverDelete(ctx, &msg)
	} else if msg.GroupID != nil {
		s.publish(events.TopicGroupMessaging(*msg.GroupID), deleted)
	}
	return nil
}

// HasUnreadMessages reports whether anything, direct or group, is
// still unread for the user. Group messages from before the user
// joined do not count.
func (s *Service) HasUnreadMessages(ctx context.Context, userID string) (bool, error) {
	var c int64
	if err := s.db.WithContext(ctx).Model(&models.MessagingMessage{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Count(&c).Error; err != nil {
		return false, err
	}
	if c > 0 {
		return true, nil
	}

	var joinings []models.UserGroupJoining
	if err := s.db.WithContext(ctx).Find(&joinings, "user_id = ?", userID).Error; err != nil {
		return false, err
	}
	for _, j := range joinings {
		n, err := s.unreadGroupCount(ctx, userID, j.GroupID)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) unreadGroupCount(ctx context.Context, userID, groupID string) (int, error) {
	var joining models.UserGroupJoining
	if err := s.db.WithContext(ctx).First(&joining, "user_id = ? AND group_id = ?", userID, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	// reads live in a JSON column, so membership is checked here
	// rather than in SQL
	var msgs []models.MessagingMessage
	if err := s.db.WithContext(ctx).
		Find(&msgs, "group_id = ? AND user_id != ? AND created_at > ?", groupID, userID, joining.CreatedAt).Error; err != nil {
		return 0, err
	}

	n := 0
	for _, m := range msgs {
		if !contains(m.Reads, userID) {
			n++
		}
	}
	return n, nil
}

// IsGroupMember satisfies the streaming gateway's membership check.
func (s *Service) IsGroupMember(ctx context.Context, userID, groupID string) (bool, error) {
	var c int64
	err := s.db.WithContext(ctx).Model(&models.UserGroupJoining{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Count(&c).Error
	return c > 0, err
}

func (s *Service) groupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	var joinings []models.UserGroupJoining
	if err := s.db.WithContext(ctx).Find(&joinings, "group_id = ?", groupID).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(joinings))
	for _, j := range joinings {
		out = append(out, j.UserID)
	}
	return out, nil
}

func (s *Service) publish(topic events.Topic, evt *events.StreamEvent) {
	if err := s.em.Publish(topic, evt); err != nil {
		s.log.Warn("failed to publish event", "topic", topic, "err", err)
	}
}

func (s *Service) deliverCreate(ctx context.Context, msg *models.MessagingMessage, from, recipient *models.User) {
	if s.deliverer == nil || recipient.Inbox == nil {
		return
	}
	act := s.renderer.RenderCreate(from, s.renderer.RenderMessage(msg, from, recipient))
	if err := s.deliverer.Deliver(ctx, act, *recipient.Inbox); err != nil {
		s.log.Warn("failed to queue create activity", "message", msg.ID, "err", err)
	}
}

func (s *Service) deliverRead(ctx context.Context, userID, otherpartyID string, msgs []models.MessagingMessage) {
	if s.deliverer == nil {
		return
	}
	var reader, sender models.User
	if err := s.db.WithContext(ctx).First(&reader, "id = ?", userID).Error; err != nil {
		s.log.Warn("failed to load reader for read activity", "err", err)
		return
	}
	if err := s.db.WithContext(ctx).First(&sender, "id = ?", otherpartyID).Error; err != nil {
		s.log.Warn("failed to load sender for read activity", "err", err)
		return
	}
	if !reader.IsLocal() || !sender.IsRemote() || sender.Inbox == nil {
		return
	}
	for _, m := range msgs {
		act := s.renderer.RenderRead(&reader, *m.URI)
		if err := s.deliverer.Deliver(ctx, act, *sender.Inbox); err != nil {
			s.log.Warn("failed to queue read activity", "message", m.ID, "err", err)
		}
	}
}

func (s *Service) deliverDelete(ctx context.Context, msg *models.MessagingMessage) {
	if s.deliverer == nil || msg.URI != nil {
		return
	}
	var author, recipient models.User
	if err := s.db.WithContext(ctx).First(&author, "id = ?", msg.UserID).Error; err != nil {
		return
	}
	if err := s.db.WithContext(ctx).First(&recipient, "id = ?", *msg.RecipientID).Error; err != nil {
		return
	}
	if !author.IsLocal() || !recipient.IsRemote() || recipient.Inbox == nil {
		return
	}
	act := s.renderer.RenderDelete(&author, s.renderer.MessageURI(msg))
	if err := s.deliverer.Deliver(ctx, act, *recipient.Inbox); err != nil {
		s.log.Warn("failed to queue delete activity", "message", msg.ID, "err", err)
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
