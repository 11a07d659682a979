package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fanbase/kick"
	"fanbase/metrics"
	"fanbase/models"
	"fanbase/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tokenExpiryWindow = 5 * time.Minute

// KickProvider is the subset of the Kick OAuth client the link flow needs.
type KickProvider interface {
	AuthCodeURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*kick.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*kick.Token, error)
	GetUser(ctx context.Context, accessToken string) (*kick.User, error)
}

type RefreshResult struct {
	Refreshed bool       `json:"refreshed"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type LinkStatus struct {
	Linked             bool       `json:"linked"`
	ExternalID         string     `json:"kick_user_id,omitempty"`
	Username           string     `json:"username,omitempty"`
	DisplayName        string     `json:"display_name,omitempty"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	VerificationMethod string     `json:"verification_method,omitempty"`
	TokenExpiry        *time.Time `json:"token_expiry,omitempty"`
	IsFollower         bool       `json:"is_follower"`
	IsSubscriber       bool       `json:"is_subscriber"`
	IsModerator        bool       `json:"is_moderator"`
	IsVIP              bool       `json:"is_vip"`
	IsOG               bool       `json:"is_og"`
	SubscriptionMonths int        `json:"subscription_months"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
}

type LinkService struct {
	db         *gorm.DB
	provider   KickProvider
	cipher     *utils.Cipher
	auditor    *utils.Auditor
	publisher  Publisher
	log        *zap.Logger
	attemptTTL time.Duration
	now        func() time.Time

	// refreshes collapses concurrent refreshes of one user's grant so a
	// rotating refresh token is only spent once.
	refreshes singleflight.Group
}

func NewLinkService(db *gorm.DB, provider KickProvider, cipher *utils.Cipher, auditor *utils.Auditor, publisher Publisher, log *zap.Logger, attemptTTL time.Duration) *LinkService {
	if attemptTTL <= 0 {
		attemptTTL = 10 * time.Minute
	}
	return &LinkService{
		db:         db,
		provider:   provider,
		cipher:     cipher,
		auditor:    auditor,
		publisher:  orNop(publisher),
		log:        log.Named("link"),
		attemptTTL: attemptTTL,
		now:        time.Now,
	}
}

// Initiate replaces any attempt the user already has and returns the
// provider authorization URL for the new one.
func (s *LinkService) Initiate(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}

	state, err := utils.GenerateState()
	if err != nil {
		return "", err
	}
	verifier, err := utils.GenerateCodeVerifier()
	if err != nil {
		return "", err
	}
	now := s.now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at < ?", now).Delete(&models.LinkAttempt{}).Error; err != nil {
			return fmt.Errorf("failed to purge expired attempts: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.LinkAttempt{}).Error; err != nil {
			return fmt.Errorf("failed to clear previous attempt: %w", err)
		}
		attempt := &models.LinkAttempt{
			UserID:       userID,
			State:        state,
			CodeVerifier: verifier,
			ExpiresAt:    now.Add(s.attemptTTL),
			CreatedAt:    now,
		}
		if err := tx.Create(attempt).Error; err != nil {
			return fmt.Errorf("failed to save link attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		s.log.Error("link initiation failed", zap.String("user_id", userID), zap.Error(err))
		return "", err
	}

	s.auditor.OAuth(models.AuditActionLinkStart, userID, true, nil)
	return s.provider.AuthCodeURL(state, utils.GenerateCodeChallenge(verifier)), nil
}

// consumeAttempt deletes the attempt for state and returns it. Only one
// caller can consume a given state.
func (s *LinkService) consumeAttempt(ctx context.Context, state string) (*models.LinkAttempt, error) {
	if state == "" {
		return nil, ErrInvalidState
	}

	var attempt models.LinkAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidState
			}
			return fmt.Errorf("failed to look up link attempt: %w", err)
		}
		res := tx.Where("id = ?", attempt.ID).Delete(&models.LinkAttempt{})
		if res.Error != nil {
			return fmt.Errorf("failed to consume link attempt: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrInvalidState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if attempt.Expired(s.now()) {
		return nil, ErrInvalidState
	}
	return &attempt, nil
}

// CompleteLink finishes the handshake started by Initiate.
func (s *LinkService) CompleteLink(ctx context.Context, state, code string) (*models.LinkedAccount, error) {
	attempt, err := s.consumeAttempt(ctx, state)
	if err != nil {
		metrics.LinkOutcomes.WithLabelValues("invalid_state").Inc()
		return nil, err
	}
	if code == "" {
		metrics.LinkOutcomes.WithLabelValues("missing_code").Inc()
		return nil, &UpstreamError{Provider: "kick", Status: http.StatusBadRequest, Reason: "authorization code missing"}
	}

	tok, err := s.provider.Exchange(ctx, code, attempt.CodeVerifier)
	if err != nil {
		metrics.LinkOutcomes.WithLabelValues("exchange_failed").Inc()
		s.auditor.OAuth(models.AuditActionConnect, attempt.UserID, false, map[string]interface{}{"stage": "exchange", "error": err.Error()})
		return nil, upstream("kick", err)
	}

	user, err := s.provider.GetUser(ctx, tok.AccessToken)
	if err != nil {
		metrics.LinkOutcomes.WithLabelValues("user_lookup_failed").Inc()
		s.auditor.OAuth(models.AuditActionConnect, attempt.UserID, false, map[string]interface{}{"stage": "user_lookup", "error": err.Error()})
		return nil, upstream("kick", err)
	}

	encAccess, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account := models.LinkedAccount{
		UserID:             attempt.UserID,
		ExternalID:         user.ID,
		Username:           user.Username,
		DisplayName:        user.Username,
		AvatarURL:          user.ProfilePicture,
		AccessToken:        encAccess,
		RefreshToken:       encRefresh,
		TokenExpiry:        expiryPtr(tok.Expiry),
		Scopes:             tok.Scopes,
		VerificationMethod: models.VerificationOAuth,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.LinkedAccount{}).
			Where("external_id = ? AND user_id <> ?", user.ID, attempt.UserID).
			Count(&taken).Error; err != nil {
			return fmt.Errorf("failed to check existing link: %w", err)
		}
		if taken > 0 {
			return ErrAccountTaken
		}

		var existing models.LinkedAccount
		err := tx.Where("user_id = ?", attempt.UserID).First(&existing).Error
		switch {
		case err == nil:
			account.ID = existing.ID
			account.CreatedAt = existing.CreatedAt
			account.IsFollower = existing.IsFollower
			account.IsSubscriber = existing.IsSubscriber
			account.IsModerator = existing.IsModerator
			account.IsVIP = existing.IsVIP
			account.IsOG = existing.IsOG
			account.SubscriptionMonths = existing.SubscriptionMonths
			account.LastSyncedAt = existing.LastSyncedAt
			if err := tx.Save(&account).Error; err != nil {
				return fmt.Errorf("failed to update linked account: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&account).Error; err != nil {
				return fmt.Errorf("failed to create linked account: %w", err)
			}
		default:
			return fmt.Errorf("failed to load linked account: %w", err)
		}

		profile := models.Profile{
			UserID:         attempt.UserID,
			Email:          user.Email,
			DisplayName:    user.Username,
			KickUsername:   utils.StringPtr(user.Username),
			KickUserID:     utils.StringPtr(user.ID),
			KickConnected:  true,
			KickSubscriber: account.IsSubscriber,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"kick_username":   user.Username,
				"kick_user_id":    user.ID,
				"kick_connected":  true,
				"kick_subscriber": account.IsSubscriber,
				"updated_at":      now,
			}),
		}).Create(&profile).Error
	})
	if err != nil {
		metrics.LinkOutcomes.WithLabelValues("persist_failed").Inc()
		s.auditor.OAuth(models.AuditActionConnect, attempt.UserID, false, map[string]interface{}{"stage": "persist", "error": err.Error()})
		return nil, err
	}

	metrics.LinkOutcomes.WithLabelValues("linked").Inc()
	s.auditor.OAuth(models.AuditActionConnect, attempt.UserID, true, map[string]interface{}{"kick_user_id": user.ID, "username": user.Username})
	s.publisher.Publish(attempt.UserID, TopicKickLink, map[string]interface{}{"linked": true, "username": user.Username})
	s.log.Info("kick account linked", zap.String("user_id", attempt.UserID), zap.String("kick_user_id", user.ID))
	return &account, nil
}

// Refresh renews the access token when it is within five minutes of
// expiring. A revoked grant removes the link.
func (s *LinkService) Refresh(ctx context.Context, userID string) (*RefreshResult, error) {
	v, err, _ := s.refreshes.Do(userID, func() (interface{}, error) {
		return s.refresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResult), nil
}

func (s *LinkService) refresh(ctx context.Context, userID string) (*RefreshResult, error) {
	var account models.LinkedAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotLinked
		}
		return nil, fmt.Errorf("failed to load linked account: %w", err)
	}

	// bot-verified links carry no grant
	if account.VerificationMethod == models.VerificationBot {
		metrics.RefreshOutcomes.WithLabelValues("not_needed").Inc()
		return &RefreshResult{Refreshed: false, Valid: true}, nil
	}

	now := s.now()
	if account.TokenExpiry != nil && account.TokenExpiry.After(now.Add(tokenExpiryWindow)) {
		metrics.RefreshOutcomes.WithLabelValues("not_needed").Inc()
		return &RefreshResult{Refreshed: false, Valid: true, ExpiresAt: account.TokenExpiry}, nil
	}

	refreshToken, err := s.cipher.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return s.revoke(ctx, &account, "no refresh token stored")
	}

	tok, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, kick.ErrInvalidGrant) {
			return s.revoke(ctx, &account, "invalid_grant")
		}
		metrics.RefreshOutcomes.WithLabelValues("upstream_error").Inc()
		s.auditor.OAuth(models.AuditActionTokenRefresh, userID, false, map[string]interface{}{"error": err.Error()})
		s.log.Warn("token refresh failed", zap.String("user_id", userID), zap.Error(err))
		return nil, upstream("kick", err)
	}

	encAccess, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	expiry := expiryPtr(tok.Expiry)
	updates := map[string]interface{}{
		"access_token": encAccess,
		"token_expiry": expiry,
		"updated_at":   now,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		encRefresh, err := s.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		updates["refresh_token"] = encRefresh
	}
	if tok.Scopes != "" {
		updates["scopes"] = tok.Scopes
	}

	if err := s.db.WithContext(ctx).Model(&models.LinkedAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to save refreshed token: %w", err)
	}

	metrics.RefreshOutcomes.WithLabelValues("refreshed").Inc()
	s.auditor.OAuth(models.AuditActionTokenRefresh, userID, true, nil)
	return &RefreshResult{Refreshed: true, Valid: true, ExpiresAt: expiry}, nil
}

// revoke removes the link only while it still holds the refresh token the
// provider rejected. A token rotated in the meantime means the grant is
// alive, so the current row is reported instead.
func (s *LinkService) revoke(ctx context.Context, account *models.LinkedAccount, reason string) (*RefreshResult, error) {
	userID := account.UserID
	err := s.deleteLink(ctx, userID, &account.RefreshToken)
	if errors.Is(err, ErrNotLinked) {
		var current models.LinkedAccount
		lookup := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&current).Error
		if errors.Is(lookup, gorm.ErrRecordNotFound) {
			return nil, ErrNotLinked
		}
		if lookup != nil {
			return nil, fmt.Errorf("failed to load linked account: %w", lookup)
		}
		metrics.RefreshOutcomes.WithLabelValues("rotated").Inc()
		s.log.Info("refresh token rotated concurrently, keeping link", zap.String("user_id", userID), zap.String("reason", reason))
		return &RefreshResult{Refreshed: false, Valid: true, ExpiresAt: current.TokenExpiry}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.RefreshOutcomes.WithLabelValues("revoked").Inc()
	s.auditor.OAuth(models.AuditActionTokenRevoke, userID, false, map[string]interface{}{"reason": reason})
	s.publisher.Publish(userID, TopicKickLink, map[string]interface{}{"linked": false, "reason": "revoked"})
	s.log.Info("kick link revoked", zap.String("user_id", userID), zap.String("reason", reason))
	return nil, ErrLinkRevoked
}

func (s *LinkService) removeLink(ctx context.Context, userID string) error {
	return s.deleteLink(ctx, userID, nil)
}

// deleteLink deletes the account and clears the profile copy in one
// transaction. A non-nil refreshToken limits the delete to the row still
// holding that encrypted token.
func (s *LinkService) deleteLink(ctx context.Context, userID string, refreshToken *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("user_id = ?", userID)
		if refreshToken != nil {
			q = q.Where("refresh_token = ?", *refreshToken)
		}
		res := q.Delete(&models.LinkedAccount{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete linked account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotLinked
		}
		return clearProfileLink(tx, userID)
	})
}

func clearProfileLink(tx *gorm.DB, userID string) error {
	err := tx.Model(&models.Profile{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
		"kick_username":   nil,
		"kick_user_id":    nil,
		"kick_connected":  false,
		"kick_subscriber": false,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to clear profile link fields: %w", err)
	}
	return nil
}

// Unlink removes the caller's link on request.
func (s *LinkService) Unlink(ctx context.Context, userID string) error {
	if err := s.removeLink(ctx, userID); err != nil {
		return err
	}
	s.auditor.OAuth(models.AuditActionDisconnect, userID, true, nil)
	s.publisher.Publish(userID, TopicKickLink, map[string]interface{}{"linked": false, "reason": "unlinked"})
	return nil
}

func (s *LinkService) Status(ctx context.Context, userID string) (*LinkStatus, error) {
	var account models.LinkedAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &LinkStatus{Linked: false}, nil
		}
		return nil, fmt.Errorf("failed to load linked account: %w", err)
	}
	return &LinkStatus{
		Linked:             true,
		ExternalID:         account.ExternalID,
		Username:           account.Username,
		DisplayName:        account.DisplayName,
		AvatarURL:          account.AvatarURL,
		VerificationMethod: account.VerificationMethod,
		TokenExpiry:        account.TokenExpiry,
		IsFollower:         account.IsFollower,
		IsSubscriber:       account.IsSubscriber,
		IsModerator:        account.IsModerator,
		IsVIP:              account.IsVIP,
		IsOG:               account.IsOG,
		SubscriptionMonths: account.SubscriptionMonths,
		LastSyncedAt:       account.LastSyncedAt,
	}, nil
}

func (s *LinkService) PurgeExpiredAttempts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&models.LinkAttempt{})
	return res.RowsAffected, res.Error
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func upstream(provider string, err error) error {
	var apiErr *kick.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Provider: provider, Status: apiErr.StatusCode, Reason: apiErr.Reason, Err: err}
	}
	if errors.Is(err, kick.ErrInvalidGrant) {
		return &UpstreamError{Provider: provider, Status: http.StatusBadRequest, Reason: "invalid_grant", Err: err}
	}
	return &UpstreamError{Provider: provider, Reason: provider + " unavailable", Err: err}
}
