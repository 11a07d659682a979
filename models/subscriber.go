package models

import (
	"time"
)

const (
	SubscriberSourceBot    = "bot"
	SubscriberSourceBridge = "bridge"
)

type Subscriber struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Username       string     `gorm:"size:100;uniqueIndex;not null" json:"username"`
	ExternalUserID string     `gorm:"size:64" json:"external_user_id,omitempty"`
	Months         int        `json:"months"`
	GiftedCount    int        `gorm:"index" json:"gifted_count"`
	GiftedBy       string     `gorm:"size:100" json:"gifted_by,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	Source         string     `gorm:"size:16" json:"source"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Subscriber) TableName() string {
	return "subscribers"
}
