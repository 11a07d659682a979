package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fanbase/metrics"
	"fanbase/models"
	"fanbase/paytr"
	"fanbase/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gateway is the payment provider surface used by PaymentService.
type Gateway interface {
	GetToken(ctx context.Context, req paytr.TokenRequest) (*paytr.TokenResponse, error)
	VerifyCallback(cb paytr.Callback) error
}

type CallbackOutcome string

const (
	OutcomeCredited  CallbackOutcome = "credited"
	OutcomeFailed    CallbackOutcome = "failed"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeRejected  CallbackOutcome = "rejected"
	OutcomeUnknown   CallbackOutcome = "unknown"
)

type SessionRequest struct {
	UserID   string
	Email    string
	UserIP   string
	UserName string
	Amount   decimal.Decimal
}

type Session struct {
	Token         string `json:"token"`
	MerchantOID   string `json:"merchant_oid"`
	IframeURL     string `json:"iframe_url"`
	PaymentAmount int64  `json:"payment_amount"`
	Points        int64  `json:"points"`
}

type LeaderboardEntry struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	KickUsername string `json:"kick_username,omitempty"`
	Total        int64  `json:"total"`
}

type PaymentService struct {
	db            *gorm.DB
	gateway       Gateway
	auditor       *utils.Auditor
	publisher     Publisher
	log           *zap.Logger
	pointsPerUnit int64
	currency      string
	now           func() time.Time
}

func NewPaymentService(db *gorm.DB, gateway Gateway, auditor *utils.Auditor, publisher Publisher, log *zap.Logger, pointsPerUnit int64, currency string) *PaymentService {
	return &PaymentService{
		db:            db,
		gateway:       gateway,
		auditor:       auditor,
		publisher:     orNop(publisher),
		log:           log.Named("payments"),
		pointsPerUnit: pointsPerUnit,
		currency:      currency,
		now:           time.Now,
	}
}

// PointsFor converts a TL amount to points, rounding down.
func (s *PaymentService) PointsFor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(s.pointsPerUnit)).Floor().IntPart()
}

// CreateSession asks the gateway for an iframe token and records the
// transaction as pending once the gateway accepted it.
func (s *PaymentService) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}

	oid := paytr.NewMerchantOID(s.now())
	points := s.PointsFor(req.Amount)

	resp, err := s.gateway.GetToken(ctx, paytr.TokenRequest{
		MerchantOID: oid,
		UserIP:      req.UserIP,
		Email:       req.Email,
		Amount:      req.Amount,
		UserName:    req.UserName,
		Basket: []paytr.BasketItem{{
			Name:     fmt.Sprintf("%d Points", points),
			Price:    req.Amount,
			Quantity: 1,
		}},
	})
	if err != nil {
		metrics.PaymentSessions.WithLabelValues("gateway_error").Inc()
		s.auditor.Payment(models.AuditActionSession, req.UserID, oid, false, map[string]interface{}{"error": err.Error()})
		var gwErr *paytr.GatewayError
		if errors.As(err, &gwErr) {
			return nil, &UpstreamError{Provider: "paytr", Status: gwErr.StatusCode, Reason: gwErr.Reason, Err: err}
		}
		return nil, &UpstreamError{Provider: "paytr", Status: http.StatusBadGateway, Reason: "payment gateway unavailable", Err: err}
	}

	txn := &models.PaymentTransaction{
		MerchantOID:   oid,
		UserID:        req.UserID,
		Amount:        req.Amount,
		PaymentAmount: resp.PaymentAmount,
		Points:        points,
		Currency:      s.currency,
		Status:        models.PaymentPending,
	}
	if err := s.db.WithContext(ctx).Create(txn).Error; err != nil {
		metrics.PaymentSessions.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	metrics.PaymentSessions.WithLabelValues("created").Inc()
	s.auditor.Payment(models.AuditActionSession, req.UserID, oid, true, map[string]interface{}{
		"amount":         req.Amount.StringFixed(2),
		"payment_amount": resp.PaymentAmount,
	})
	s.log.Info("payment session created",
		zap.String("user_id", req.UserID),
		zap.String("merchant_oid", oid),
		zap.Int64("payment_amount", resp.PaymentAmount))

	return &Session{
		Token:         resp.Token,
		MerchantOID:   oid,
		IframeURL:     resp.IframeURL,
		PaymentAmount: resp.PaymentAmount,
		Points:        points,
	}, nil
}

// HandleCallback applies a gateway notification. A transaction leaves
// pending at most once, so redelivered notifications never credit twice.
func (s *PaymentService) HandleCallback(ctx context.Context, cb paytr.Callback) (CallbackOutcome, error) {
	if err := s.gateway.VerifyCallback(cb); err != nil {
		metrics.PaymentCallbacks.WithLabelValues(string(OutcomeRejected)).Inc()
		s.auditor.Security(models.AuditActionHashMismatch, "", "", "paytr_callback", "merchant_oid="+cb.MerchantOID)
		s.log.Warn("payment callback rejected", zap.String("merchant_oid", cb.MerchantOID), zap.Error(err))
		return OutcomeRejected, ErrHashMismatch
	}

	now := s.now()
	var (
		txn     models.PaymentTransaction
		outcome CallbackOutcome
		total   int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"completed_at": now,
			"updated_at":   now,
		}
		if cb.Status == paytr.StatusSuccess {
			updates["status"] = models.PaymentSuccess
		} else {
			updates["status"] = models.PaymentFailed
			updates["failed_reason"] = failedReason(cb)
		}

		res := tx.Model(&models.PaymentTransaction{}).
			Where("merchant_oid = ? AND status = ?", cb.MerchantOID, models.PaymentPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update transaction: %w", res.Error)
		}

		if err := tx.Where("merchant_oid = ?", cb.MerchantOID).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		if res.RowsAffected != 1 {
			outcome = OutcomeDuplicate
			return nil
		}
		if cb.Status != paytr.StatusSuccess {
			outcome = OutcomeFailed
			return nil
		}

		var err error
		total, err = addPoints(tx, txn.UserID, txn.Points, now)
		if err != nil {
			return err
		}
		outcome = OutcomeCredited
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			metrics.PaymentCallbacks.WithLabelValues(string(OutcomeUnknown)).Inc()
			s.log.Warn("payment callback for unknown transaction", zap.String("merchant_oid", cb.MerchantOID))
			return OutcomeUnknown, err
		}
		s.log.Error("payment callback failed", zap.String("merchant_oid", cb.MerchantOID), zap.Error(err))
		return "", err
	}

	metrics.PaymentCallbacks.WithLabelValues(string(outcome)).Inc()
	s.auditor.Payment(models.AuditActionCallback, txn.UserID, txn.MerchantOID, outcome != OutcomeFailed, map[string]interface{}{
		"outcome":      string(outcome),
		"status":       cb.Status,
		"total_amount": cb.TotalAmount,
	})

	switch outcome {
	case OutcomeCredited:
		s.publisher.Publish(txn.UserID, TopicPoints, map[string]interface{}{
			"merchant_oid": txn.MerchantOID,
			"credited":     txn.Points,
			"total":        total,
		})
		s.log.Info("payment credited",
			zap.String("merchant_oid", txn.MerchantOID),
			zap.String("user_id", txn.UserID),
			zap.Int64("points", txn.Points))
	case OutcomeFailed:
		s.publisher.Publish(txn.UserID, TopicPoints, map[string]interface{}{
			"merchant_oid": txn.MerchantOID,
			"status":       models.PaymentFailed,
		})
	case OutcomeDuplicate:
		s.log.Info("payment callback already settled",
			zap.String("merchant_oid", txn.MerchantOID),
			zap.String("status", txn.Status))
	}
	return outcome, nil
}

func failedReason(cb paytr.Callback) string {
	reason := cb.FailedReasonMsg
	if reason == "" {
		reason = "payment failed"
	}
	if cb.FailedReason != "" {
		reason = cb.FailedReason + ": " + reason
	}
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return reason
}

// addPoints increments the balance in a single upsert and returns the new
// total.
func addPoints(tx *gorm.DB, userID string, points int64, now time.Time) (int64, error) {
	row := models.PointsBalance{UserID: userID, Total: points, CreatedAt: now, UpdatedAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total":      gorm.Expr("total + ?", points),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("failed to credit points: %w", err)
	}

	var balance models.PointsBalance
	if err := tx.Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance.Total, nil
}

func (s *PaymentService) Balance(ctx context.Context, userID string) (int64, error) {
	var balance models.PointsBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance.Total, nil
}

func (s *PaymentService) Transaction(ctx context.Context, merchantOID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.WithContext(ctx).Where("merchant_oid = ?", merchantOID).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &txn, nil
}

func (s *PaymentService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	var rows []LeaderboardEntry
	err := s.db.WithContext(ctx).
		Table("points_balances AS pb").
		Select("pb.user_id AS user_id, COALESCE(p.display_name, '') AS display_name, COALESCE(p.kick_username, '') AS kick_username, pb.total AS total").
		Joins("LEFT JOIN profiles AS p ON p.user_id = pb.user_id").
		Where("pb.total > 0").
		Order("pb.total DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return rows, nil
}
