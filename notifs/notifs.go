package notifs

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KindChatMessageReceived = "chatMessageReceived"
	KindFollow              = "follow"
	KindReply               = "reply"
	KindMention             = "mention"
	KindRenote              = "renote"
)

type NotificationManager struct {
	db *gorm.DB
}

func NewNotificationManager(db *gorm.DB) (*NotificationManager, error) {
	if err := db.AutoMigrate(&NotifRecord{}, &NotifSeen{}); err != nil {
		return nil, err
	}

	return &NotificationManager{db: db}, nil
}

type NotifRecord struct {
	gorm.Model
	NotifieeID string `gorm:"index"`
	NotifierID string
	Kind       string

	// chatMessageReceived only
	MessageID *string
}

type NotifSeen struct {
	ID       uint   `gorm:"primarykey"`
	UserID   string `gorm:"uniqueIndex"`
	LastSeen time.Time
}

// Detail carries the kind-specific references of a notification.
type Detail struct {
	NotifierID string
	MessageID  *string
}

func (nm *NotificationManager) CreateNotification(ctx context.Context, notifiee string, kind string, detail Detail) error {
	return nm.db.WithContext(ctx).Create(&NotifRecord{
		NotifieeID: notifiee,
		NotifierID: detail.NotifierID,
		Kind:       kind,
		MessageID:  detail.MessageID,
	}).Error
}

func (nm *NotificationManager) GetCount(ctx context.Context, userID string) (int64, error) {
	var lseen time.Time
	if err := nm.db.WithContext(ctx).Model(NotifSeen{}).Where("user_id = ?", userID).Select("last_seen").Scan(&lseen).Error; err != nil {
		return 0, err
	}

	var c int64
	if err := nm.db.WithContext(ctx).Model(NotifRecord{}).Where("notifiee_id = ? AND created_at > ?", userID, lseen).Count(&c).Error; err != nil {
		return 0, err
	}

	return c, nil
}

// MarkAllRead advances the seen cursor to now.
func (nm *NotificationManager) MarkAllRead(ctx context.Context, userID string) error {
	return nm.UpdateSeen(ctx, userID, time.Now())
}

func (nm *NotificationManager) UpdateSeen(ctx context.Context, userID string, seen time.Time) error {
	return nm.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&NotifSeen{
		UserID:   userID,
		LastSeen: seen,
	}).Error
}
