package events

import (
	"github.com/mikoto-social/mikoto/models"
)

// Topic names a stream on the bus. The firehose topic is shared by
// every timeline subscriber; messaging topics are scoped per
// conversation or per user.
type Topic string

const TopicNotes = Topic("notesStream")

func TopicMain(userID string) Topic {
	return Topic("mainStream:" + userID)
}

// TopicMessaging is directional: events published for (a, b) are seen
// by subscribers watching a's side of the conversation with b.
func TopicMessaging(userID, otherpartyID string) Topic {
	return Topic("messagingStream:" + userID + "-" + otherpartyID)
}

func TopicMessagingIndex(userID string) Topic {
	return Topic("messagingIndexStream:" + userID)
}

func TopicGroupMessaging(groupID string) Topic {
	return Topic("messagingStream:" + groupID)
}

// StreamEvent is the closed set of payloads carried on the bus.
// Exactly one variant is set per event.
type StreamEvent struct {
	NoteCreated      *models.PackedNote    `json:"noteCreated,omitempty"`
	MessageCreated   *models.PackedMessage `json:"messageCreated,omitempty"`
	MessageRead      *MessageReadEvt       `json:"messageRead,omitempty"`
	MessagesDeleted  *MessagesDeletedEvt   `json:"messagesDeleted,omitempty"`
	GroupMessageRead *GroupMessageReadEvt  `json:"groupMessageRead,omitempty"`
	Notify           *NotifyEvt            `json:"notify,omitempty"`

	// origin tag for the redis bridge; empty means locally published
	PrivOrigin string `json:"-"`
}

type MessageReadEvt struct {
	IDs []string `json:"ids"`
}

type MessagesDeletedEvt struct {
	IDs []string `json:"ids"`
}

type GroupMessageReadEvt struct {
	IDs    []string `json:"ids"`
	UserID string   `json:"userId"`
}

// NotifyEvt is a main-stream service notice addressed to one user.
type NotifyEvt struct {
	Kind    string                `json:"kind"`
	Message *models.PackedMessage `json:"message,omitempty"`

	// readAllMessagingMessagesOfARoom only
	RoomUserID  *string `json:"roomUserId,omitempty"`
	RoomGroupID *string `json:"roomGroupId,omitempty"`
}

const (
	NotifyMessagingMessage       = "messagingMessage"
	NotifyUnreadMessagingMessage = "unreadMessagingMessage"
	NotifyReadAllMessages        = "readAllMessagingMessages"
	NotifyReadAllMessagesOfARoom = "readAllMessagingMessagesOfARoom"
)

// Kind returns the client-facing event name for the populated variant.
func (evt *StreamEvent) Kind() string {
	switch {
	case evt.NoteCreated != nil:
		return "note"
	case evt.MessageCreated != nil:
		return "message"
	case evt.MessageRead != nil:
		return "read"
	case evt.MessagesDeleted != nil:
		return "deleted"
	case evt.GroupMessageRead != nil:
		return "read"
	case evt.Notify != nil:
		return evt.Notify.Kind
	default:
		return ""
	}
}

// Body returns the payload sent to clients for this event.
func (evt *StreamEvent) Body() any {
	switch {
	case evt.NoteCreated != nil:
		return evt.NoteCreated
	case evt.MessageCreated != nil:
		return evt.MessageCreated
	case evt.MessageRead != nil:
		return evt.MessageRead.IDs
	case evt.MessagesDeleted != nil:
		return evt.MessagesDeleted.IDs
	case evt.GroupMessageRead != nil:
		return evt.GroupMessageRead
	case evt.Notify != nil:
		if evt.Notify.Message != nil {
			return evt.Notify.Message
		}
		return evt.Notify
	default:
		return nil
	}
}
