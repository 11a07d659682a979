package models

import (
	"time"
)

const (
	VerificationOAuth = "oauth"
	VerificationBot   = "bot"
)

// LinkedAccount binds a site user to their Kick identity. Tokens are stored
// encrypted; standing flags are refreshed by the bot sync endpoint.
type LinkedAccount struct {
	ID                 uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string     `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	ExternalID         string     `gorm:"size:64;uniqueIndex;not null" json:"external_id"`
	Username           string     `gorm:"size:100;index" json:"username"`
	DisplayName        string     `gorm:"size:255" json:"display_name"`
	AvatarURL          string     `gorm:"size:1024" json:"avatar_url"`
	AccessToken        string     `gorm:"type:text" json:"-"`
	RefreshToken       string     `gorm:"type:text" json:"-"`
	TokenExpiry        *time.Time `json:"token_expiry"`
	Scopes             string     `gorm:"size:255" json:"scopes"`
	VerificationMethod string     `gorm:"size:16;default:oauth" json:"verification_method"`
	IsFollower         bool       `json:"is_follower"`
	IsSubscriber       bool       `json:"is_subscriber"`
	IsModerator        bool       `json:"is_moderator"`
	IsVIP              bool       `gorm:"column:is_vip" json:"is_vip"`
	IsOG               bool       `gorm:"column:is_og" json:"is_og"`
	SubscriptionMonths int        `json:"subscription_months"`
	LastSyncedAt       *time.Time `json:"last_synced_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (LinkedAccount) TableName() string {
	return "linked_accounts"
}
