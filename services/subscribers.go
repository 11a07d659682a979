package services

import (
	"context"
	"fmt"
	"time"

	"fanbase/models"
	"fanbase/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriberService records subscription activity coming from chat events.
type SubscriberService struct {
	db        *gorm.DB
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewSubscriberService(db *gorm.DB, publisher Publisher, log *zap.Logger) *SubscriberService {
	return &SubscriberService{
		db:        db,
		publisher: orNop(publisher),
		log:       log.Named("subscribers"),
		now:       time.Now,
	}
}

func upsertSubscriber(tx *gorm.DB, row models.Subscriber, updates map[string]interface{}) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&row).Error
}

// markLinkedSubscriber flips the subscriber flag on a linked account with
// the same Kick username and returns its owner, if any.
func markLinkedSubscriber(tx *gorm.DB, username string, months int, now time.Time) (string, error) {
	var account models.LinkedAccount
	res := tx.Where("LOWER(username) = ?", username).Limit(1).Find(&account)
	if res.Error != nil {
		return "", fmt.Errorf("failed to look up linked account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", nil
	}
	updates := map[string]interface{}{
		"is_subscriber":  true,
		"last_synced_at": now,
	}
	if months > 0 {
		updates["subscription_months"] = months
	}
	if err := tx.Model(&models.LinkedAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("failed to update linked account: %w", err)
	}
	if err := tx.Model(&models.Profile{}).Where("user_id = ?", account.UserID).Update("kick_subscriber", true).Error; err != nil {
		return "", fmt.Errorf("failed to update profile: %w", err)
	}
	return account.UserID, nil
}

// RecordSubscription stores a new or renewed subscription.
func (s *SubscriberService) RecordSubscription(ctx context.Context, username string, months int) error {
	username = utils.NormalizeUsername(username)
	if username == "" {
		return fmt.Errorf("subscription event without username")
	}
	if months < 1 {
		months = 1
	}
	now := s.now()

	var owner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := upsertSubscriber(tx, models.Subscriber{
			Username:    username,
			Months:      months,
			LastEventAt: &now,
			Source:      models.SubscriberSourceBridge,
		}, map[string]interface{}{
			"months":        months,
			"last_event_at": now,
			"source":        models.SubscriberSourceBridge,
			"updated_at":    now,
		})
		if err != nil {
			return fmt.Errorf("failed to record subscription: %w", err)
		}
		owner, err = markLinkedSubscriber(tx, username, months, now)
		return err
	})
	if err != nil {
		return err
	}

	if owner != "" {
		s.publisher.Publish(owner, TopicKickLink, map[string]interface{}{"subscriber": true, "months": months})
	}
	s.log.Debug("subscription recorded", zap.String("username", username), zap.Int("months", months))
	return nil
}

// RecordGift credits the gifter and marks every recipient as subscribed.
func (s *SubscriberService) RecordGift(ctx context.Context, gifter string, recipients []string) error {
	gifter = utils.NormalizeUsername(gifter)
	now := s.now()

	var owners []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if gifter != "" && len(recipients) > 0 {
			err := upsertSubscriber(tx, models.Subscriber{
				Username:    gifter,
				GiftedCount: len(recipients),
				LastEventAt: &now,
				Source:      models.SubscriberSourceBridge,
			}, map[string]interface{}{
				"gifted_count":  gorm.Expr("gifted_count + ?", len(recipients)),
				"last_event_at": now,
				"updated_at":    now,
			})
			if err != nil {
				return fmt.Errorf("failed to record gifter: %w", err)
			}
		}

		for _, r := range recipients {
			name := utils.NormalizeUsername(r)
			if name == "" {
				continue
			}
			err := upsertSubscriber(tx, models.Subscriber{
				Username:    name,
				Months:      1,
				GiftedBy:    gifter,
				LastEventAt: &now,
				Source:      models.SubscriberSourceBridge,
			}, map[string]interface{}{
				"gifted_by":     gifter,
				"last_event_at": now,
				"updated_at":    now,
			})
			if err != nil {
				return fmt.Errorf("failed to record gift recipient: %w", err)
			}
			owner, err := markLinkedSubscriber(tx, name, 0, now)
			if err != nil {
				return err
			}
			if owner != "" {
				owners = append(owners, owner)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, owner := range owners {
		s.publisher.Publish(owner, TopicKickLink, map[string]interface{}{"subscriber": true, "gifted_by": gifter})
	}
	s.log.Debug("gifted subscriptions recorded", zap.String("gifter", gifter), zap.Int("count", len(recipients)))
	return nil
}

// Leaderboard ranks gifters first, then long-standing subscribers.
func (s *SubscriberService) Leaderboard(ctx context.Context, limit int) ([]models.Subscriber, error) {
	var rows []models.Subscriber
	err := s.db.WithContext(ctx).
		Where("gifted_count > 0 OR months > 0").
		Order("gifted_count DESC").
		Order("months DESC").
		Order("username ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber leaderboard: %w", err)
	}
	return rows, nil
}
