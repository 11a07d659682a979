package services

import (
	"context"
	"time"

	"fanbase/utils"

	"go.uber.org/zap"
)

const DefaultJanitorInterval = 10 * time.Minute

// Janitor periodically deletes expired link attempts and old audit rows.
type Janitor struct {
	links         *LinkService
	auditor       *utils.Auditor
	retentionDays int
	interval      time.Duration
	log           *zap.Logger
}

func NewJanitor(links *LinkService, auditor *utils.Auditor, retentionDays int, interval time.Duration, log *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		links:         links,
		auditor:       auditor,
		retentionDays: retentionDays,
		interval:      interval,
		log:           log.Named("janitor"),
	}
}

type PurgeResult struct {
	LinkAttempts int64
	AuditLogs    int64
}

func (j *Janitor) RunOnce(ctx context.Context) (PurgeResult, error) {
	var result PurgeResult
	n, err := j.links.PurgeExpiredAttempts(ctx)
	if err != nil {
		return result, err
	}
	result.LinkAttempts = n

	if j.retentionDays > 0 {
		n, err = j.auditor.Cleanup(j.retentionDays)
		if err != nil {
			return result, err
		}
		result.AuditLogs = n
	}
	return result, nil
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("janitor panic", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := j.RunOnce(ctx)
			if err != nil {
				j.log.Warn("purge failed", zap.Error(err))
				continue
			}
			if res.LinkAttempts > 0 || res.AuditLogs > 0 {
				j.log.Info("purged expired rows",
					zap.Int64("link_attempts", res.LinkAttempts),
					zap.Int64("audit_logs", res.AuditLogs))
			}
		}
	}
}
