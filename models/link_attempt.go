package models

import (
	"time"
)

// LinkAttempt is an in-flight OAuth handshake. A user holds at most one.
type LinkAttempt struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	State        string    `gorm:"size:128;uniqueIndex;not null" json:"state"`
	CodeVerifier string    `gorm:"size:128;not null" json:"-"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (LinkAttempt) TableName() string {
	return "link_attempts"
}

func (a LinkAttempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
