package controllers

import (
	"net/http"

	"fanbase/services"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BotController struct {
	sync        *services.BotSyncService
	subscribers *services.SubscriberService
	log         *zap.Logger
}

func NewBotController(sync *services.BotSyncService, subscribers *services.SubscriberService, log *zap.Logger) *BotController {
	return &BotController{
		sync:        sync,
		subscribers: subscribers,
		log:         log.Named("bot_controller"),
	}
}

func (c *BotController) Sync(ctx *gin.Context) {
	var req services.BotSyncRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(ctx, "Invalid request body")
		return
	}

	validators := []*utils.ValidationResult{utils.ValidateKickUsername(req.Username, "username")}
	if req.SubscriptionMonths != nil {
		validators = append(validators, utils.ValidateNonNegativeInt(*req.SubscriptionMonths, "subscription_months"))
	}
	if !utils.ValidateRequest(ctx, validators...) {
		return
	}

	result, err := c.sync.Apply(ctx.Request.Context(), req)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to sync viewer")
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (c *BotController) SubscriberLeaderboard(ctx *gin.Context) {
	limit, v := utils.ParseLimit(ctx.Query("limit"), 25, 100)
	if !utils.ValidateRequest(ctx, v) {
		return
	}

	rows, err := c.subscribers.Leaderboard(ctx.Request.Context(), limit)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to load subscriber leaderboard")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscribers": rows})
}
