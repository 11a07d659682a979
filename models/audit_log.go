package models

import (
	"time"
)

type AuditLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType   string    `gorm:"size:50;index" json:"event_type"`
	EventAction string    `gorm:"size:50;index" json:"event_action"`
	UserID      string    `gorm:"size:64;index" json:"user_id"`
	IPAddress   string    `gorm:"size:45" json:"ip_address"`
	UserAgent   string    `gorm:"size:500" json:"user_agent"`
	Resource    string    `gorm:"size:255" json:"resource"`
	Details     string    `gorm:"type:text" json:"details"`
	Status      string    `gorm:"size:20" json:"status"`
	ErrorMsg    string    `gorm:"type:text" json:"error_msg"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

type AuditEventType string

const (
	AuditEventOAuth    AuditEventType = "oauth"
	AuditEventPayment  AuditEventType = "payment"
	AuditEventBot      AuditEventType = "bot"
	AuditEventSecurity AuditEventType = "security"
)

type AuditEventAction string

const (
	AuditActionLinkStart    AuditEventAction = "link_start"
	AuditActionConnect      AuditEventAction = "connect"
	AuditActionDisconnect   AuditEventAction = "disconnect"
	AuditActionTokenRefresh AuditEventAction = "token_refresh"
	AuditActionTokenRevoke  AuditEventAction = "token_revoke"
	AuditActionSession      AuditEventAction = "session_create"
	AuditActionCallback     AuditEventAction = "callback"
	AuditActionSync         AuditEventAction = "sync"
	AuditActionHashMismatch AuditEventAction = "hash_mismatch"
	AuditActionError        AuditEventAction = "error"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)
