package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentPending = "pending"
	PaymentSuccess = "success"
	PaymentFailed  = "failed"
)

type PaymentTransaction struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	MerchantOID   string          `gorm:"column:merchant_oid;size:64;uniqueIndex;not null" json:"merchant_oid"`
	UserID        string          `gorm:"size:64;index;not null" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	PaymentAmount int64           `gorm:"not null" json:"payment_amount"`
	Points        int64           `gorm:"not null" json:"points"`
	Currency      string          `gorm:"size:8" json:"currency"`
	Status        string          `gorm:"size:16;index;not null;default:pending" json:"status"`
	FailedReason  string          `gorm:"size:500" json:"failed_reason,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

type PointsBalance struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    string    `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	Total     int64     `gorm:"not null;default:0" json:"total"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PointsBalance) TableName() string {
	return "points_balances"
}
