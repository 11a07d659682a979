package utils

import (
	"encoding/json"
	"fmt"
	"time"

	"fanbase/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AuditLogEntry struct {
	EventType   models.AuditEventType
	EventAction models.AuditEventAction
	UserID      string
	IPAddress   string
	UserAgent   string
	Resource    string
	Details     map[string]interface{}
	Status      string
	ErrorMsg    string
}

// Auditor persists security relevant events. Write failures are logged and
// never surface to the caller.
type Auditor struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAuditor(db *gorm.DB, log *zap.Logger) *Auditor {
	return &Auditor{db: db, log: log.Named("audit")}
}

func (a *Auditor) Record(entry AuditLogEntry) {
	if a == nil || a.db == nil {
		return
	}
	details := ""
	if len(entry.Details) > 0 {
		if b, err := json.Marshal(entry.Details); err == nil {
			details = string(b)
		}
	}
	row := &models.AuditLog{
		EventType:   string(entry.EventType),
		EventAction: string(entry.EventAction),
		UserID:      entry.UserID,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
		Resource:    entry.Resource,
		Details:     details,
		Status:      entry.Status,
		ErrorMsg:    entry.ErrorMsg,
		CreatedAt:   time.Now(),
	}
	if err := a.db.Create(row).Error; err != nil {
		a.log.Warn("failed to write audit log",
			zap.String("event_type", row.EventType),
			zap.String("event_action", row.EventAction),
			zap.Error(err))
	}
}

func status(success bool) string {
	if success {
		return models.AuditStatusSuccess
	}
	return models.AuditStatusFailure
}

func (a *Auditor) OAuth(action models.AuditEventAction, userID string, success bool, details map[string]interface{}) {
	a.Record(AuditLogEntry{
		EventType:   models.AuditEventOAuth,
		EventAction: action,
		UserID:      userID,
		Resource:    "kick_oauth",
		Details:     details,
		Status:      status(success),
	})
}

func (a *Auditor) Payment(action models.AuditEventAction, userID, merchantOID string, success bool, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["merchant_oid"] = merchantOID
	a.Record(AuditLogEntry{
		EventType:   models.AuditEventPayment,
		EventAction: action,
		UserID:      userID,
		Resource:    "paytr",
		Details:     details,
		Status:      status(success),
	})
}

func (a *Auditor) Bot(action models.AuditEventAction, details map[string]interface{}) {
	a.Record(AuditLogEntry{
		EventType:   models.AuditEventBot,
		EventAction: action,
		Resource:    "bot_sync",
		Details:     details,
		Status:      models.AuditStatusSuccess,
	})
}

func (a *Auditor) Security(action models.AuditEventAction, ipAddress, userAgent, resource, errorMsg string) {
	a.Record(AuditLogEntry{
		EventType:   models.AuditEventSecurity,
		EventAction: action,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		Resource:    resource,
		Status:      "warning",
		ErrorMsg:    errorMsg,
	})
}

func (a *Auditor) List(eventType string, limit, offset int) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := a.db.Model(&models.AuditLog{})
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&logs).Error
	return logs, total, err
}

func (a *Auditor) Cleanup(daysRetained int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysRetained)
	result := a.db.Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	return result.RowsAffected, result.Error
}
