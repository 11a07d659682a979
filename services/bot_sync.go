package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fanbase/kick"
	"fanbase/models"
	"fanbase/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BotSyncRequest is what the chat bot knows about a viewer. Nil flags are
// left untouched. LinkUserID is set when the viewer proved ownership of a
// site account in chat; it links the viewer if no OAuth link exists yet.
type BotSyncRequest struct {
	Username           string `json:"username" binding:"required"`
	KickUserID         int64  `json:"kick_user_id"`
	LinkUserID         string `json:"link_user_id"`
	IsFollower         *bool  `json:"is_follower"`
	IsSubscriber       *bool  `json:"is_subscriber"`
	IsModerator        *bool  `json:"is_moderator"`
	IsVIP              *bool  `json:"is_vip"`
	IsOG               *bool  `json:"is_og"`
	SubscriptionMonths *int   `json:"subscription_months"`
}

type BotSyncResult struct {
	Matched           bool   `json:"matched"`
	Linked            bool   `json:"linked,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	SubscriberUpdated bool   `json:"subscriber_updated"`
}

type BotSyncService struct {
	db        *gorm.DB
	auditor   *utils.Auditor
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewBotSyncService(db *gorm.DB, auditor *utils.Auditor, publisher Publisher, log *zap.Logger) *BotSyncService {
	return &BotSyncService{
		db:        db,
		auditor:   auditor,
		publisher: orNop(publisher),
		log:       log.Named("bot_sync"),
		now:       time.Now,
	}
}

// Apply writes the bot's view of a viewer onto the matching linked account
// and the subscriber table.
func (s *BotSyncService) Apply(ctx context.Context, req BotSyncRequest) (*BotSyncResult, error) {
	username := utils.NormalizeUsername(req.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	var externalID string
	if req.KickUserID > 0 {
		externalID = kick.ExternalID(req.KickUserID)
	}
	now := s.now()
	result := &BotSyncResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.LinkedAccount
		q := tx.Where("LOWER(username) = ?", username)
		if externalID != "" {
			q = tx.Where("external_id = ?", externalID).Or("LOWER(username) = ?", username)
		}
		res := q.Limit(1).Find(&account)
		if res.Error != nil {
			return fmt.Errorf("failed to look up linked account: %w", res.Error)
		}

		if res.RowsAffected == 0 && req.LinkUserID != "" && externalID != "" {
			display := strings.TrimPrefix(strings.TrimSpace(req.Username), "@")
			created, err := createBotLink(tx, req.LinkUserID, externalID, display, now)
			if err != nil {
				return err
			}
			account = *created
			result.Linked = true
		}

		if account.ID != 0 {
			result.Matched = true
			result.UserID = account.UserID

			updates := map[string]interface{}{"last_synced_at": now}
			setFlag(updates, "is_follower", req.IsFollower)
			setFlag(updates, "is_subscriber", req.IsSubscriber)
			setFlag(updates, "is_moderator", req.IsModerator)
			setFlag(updates, "is_vip", req.IsVIP)
			setFlag(updates, "is_og", req.IsOG)
			if req.SubscriptionMonths != nil {
				updates["subscription_months"] = *req.SubscriptionMonths
			}
			if err := tx.Model(&models.LinkedAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update linked account: %w", err)
			}

			if req.IsSubscriber != nil {
				if err := tx.Model(&models.Profile{}).Where("user_id = ?", account.UserID).
					Update("kick_subscriber", *req.IsSubscriber).Error; err != nil {
					return fmt.Errorf("failed to update profile: %w", err)
				}
			}
		}

		if req.IsSubscriber != nil && *req.IsSubscriber {
			months := 1
			if req.SubscriptionMonths != nil && *req.SubscriptionMonths > 0 {
				months = *req.SubscriptionMonths
			}
			err := upsertSubscriber(tx, models.Subscriber{
				Username:       username,
				ExternalUserID: externalID,
				Months:         months,
				LastEventAt:    &now,
				Source:         models.SubscriberSourceBot,
			}, map[string]interface{}{
				"months":        months,
				"last_event_at": now,
				"source":        models.SubscriberSourceBot,
				"updated_at":    now,
			})
			if err != nil {
				return fmt.Errorf("failed to upsert subscriber: %w", err)
			}
			result.SubscriberUpdated = true
		}
		return nil
	})
	if err != nil {
		s.log.Error("bot sync failed", zap.String("username", username), zap.Error(err))
		return nil, err
	}

	s.auditor.Bot(models.AuditActionSync, map[string]interface{}{
		"username": username,
		"matched":  result.Matched,
		"linked":   result.Linked,
	})
	if result.Matched {
		s.publisher.Publish(result.UserID, TopicKickLink, map[string]interface{}{"synced": true})
	}
	return result, nil
}

func setFlag(updates map[string]interface{}, column string, v *bool) {
	if v != nil {
		updates[column] = *v
	}
}

// createBotLink records a token-less link for a viewer the bot verified.
// A later OAuth link for the same user replaces it.
func createBotLink(tx *gorm.DB, userID, externalID, username string, now time.Time) (*models.LinkedAccount, error) {
	var existing int64
	if err := tx.Model(&models.LinkedAccount{}).Where("user_id = ?", userID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing link: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyLinked
	}

	account := models.LinkedAccount{
		UserID:             userID,
		ExternalID:         externalID,
		Username:           username,
		DisplayName:        username,
		VerificationMethod: models.VerificationBot,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to create linked account: %w", err)
	}

	profile := models.Profile{
		UserID:        userID,
		DisplayName:   username,
		KickUsername:  utils.StringPtr(username),
		KickUserID:    utils.StringPtr(externalID),
		KickConnected: true,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"kick_username":  username,
			"kick_user_id":   externalID,
			"kick_connected": true,
			"updated_at":     now,
		}),
	}).Create(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return &account, nil
}
