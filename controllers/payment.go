package controllers

import (
	"net/http"
	"strings"

	"fanbase/paytr"
	"fanbase/services"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PaymentController struct {
	payments *services.PaymentService
	log      *zap.Logger
}

func NewPaymentController(payments *services.PaymentService, log *zap.Logger) *PaymentController {
	return &PaymentController{
		payments: payments,
		log:      log.Named("payment_controller"),
	}
}

type sessionRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Email    string          `json:"email"`
	UserName string          `json:"user_name"`
}

func (c *PaymentController) CreateSession(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	var req sessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(ctx, "Invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = utils.CurrentEmail(ctx)
	}
	if !utils.ValidateRequest(ctx,
		utils.ValidatePaymentAmount(req.Amount, "amount"),
		utils.ValidateStringNotEmpty(email, "email"),
	) {
		return
	}

	session, err := c.payments.CreateSession(ctx.Request.Context(), services.SessionRequest{
		UserID:   userID,
		Email:    email,
		UserIP:   ctx.ClientIP(),
		UserName: req.UserName,
		Amount:   req.Amount,
	})
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to create payment session")
		return
	}
	ctx.JSON(http.StatusOK, session)
}

// Callback receives the gateway notification. The gateway only stops
// retrying on a literal OK, so every outcome answers 200 OK and the real
// result is logged.
func (c *PaymentController) Callback(ctx *gin.Context) {
	var cb paytr.Callback
	if err := ctx.ShouldBind(&cb); err != nil {
		c.log.Warn("unreadable payment callback", zap.Error(err))
		ctx.String(http.StatusOK, "OK")
		return
	}

	outcome, err := c.payments.HandleCallback(ctx.Request.Context(), cb)
	if err != nil {
		c.log.Warn("payment callback not applied",
			zap.String("merchant_oid", cb.MerchantOID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	ctx.String(http.StatusOK, "OK")
}

func (c *PaymentController) Balance(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	total, err := c.payments.Balance(ctx.Request.Context(), userID)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to load points")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID, "total": total})
}

func (c *PaymentController) Transaction(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	txn, err := c.payments.Transaction(ctx.Request.Context(), ctx.Param("merchant_oid"))
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to load transaction")
		return
	}
	if txn.UserID != userID {
		utils.NotFound(ctx, services.ErrTransactionNotFound.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"merchant_oid":   txn.MerchantOID,
		"status":         txn.Status,
		"amount":         txn.Amount,
		"payment_amount": txn.PaymentAmount,
		"points":         txn.Points,
		"failed_reason":  txn.FailedReason,
		"completed_at":   txn.CompletedAt,
	})
}

func (c *PaymentController) Leaderboard(ctx *gin.Context) {
	limit, v := utils.ParseLimit(ctx.Query("limit"), 10, 100)
	if !utils.ValidateRequest(ctx, v) {
		return
	}

	rows, err := c.payments.Leaderboard(ctx.Request.Context(), limit)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to load leaderboard")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}
