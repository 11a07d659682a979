package models

import (
	"time"
)

// Profile carries denormalized copies of the link so the site can render
// badges without joining linked_accounts.
type Profile struct {
	UserID         string    `gorm:"primaryKey;size:64" json:"user_id"`
	Email          string    `gorm:"size:255" json:"email"`
	DisplayName    string    `gorm:"size:255" json:"display_name"`
	KickUsername   *string   `gorm:"size:100" json:"kick_username"`
	KickUserID     *string   `gorm:"size:64" json:"kick_user_id"`
	KickConnected  bool      `json:"kick_connected"`
	KickSubscriber bool      `json:"kick_subscriber"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Profile) TableName() string {
	return "profiles"
}
