package controllers

import (
	"errors"
	"net/http"

	"fanbase/services"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondServiceError maps service errors onto the JSON error shape.
// Anything unclassified is logged and reported as a 500 with fallback as
// the message.
func respondServiceError(ctx *gin.Context, log *zap.Logger, err error, fallback string) {
	var upErr *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		utils.Unauthorized(ctx, err.Error())
	case errors.Is(err, services.ErrLinkRevoked):
		utils.Unauthorized(ctx, err.Error())
	case errors.Is(err, services.ErrNotLinked), errors.Is(err, services.ErrTransactionNotFound):
		utils.NotFound(ctx, err.Error())
	case errors.Is(err, services.ErrAccountTaken), errors.Is(err, services.ErrAlreadyLinked):
		utils.Conflict(ctx, err.Error())
	case errors.As(err, &upErr):
		log.Warn("upstream provider error",
			zap.String("provider", upErr.Provider),
			zap.Int("status", upErr.Status),
			zap.Error(err))
		utils.ErrorWithDetails(ctx, http.StatusBadGateway, upErr.Reason, upErr.Provider)
	default:
		log.Error(fallback, zap.Error(err), zap.String("path", ctx.FullPath()))
		utils.InternalError(ctx, fallback)
	}
}

func requireUser(ctx *gin.Context) (string, bool) {
	userID, ok := utils.CurrentUser(ctx)
	if !ok {
		utils.Unauthorized(ctx, services.ErrUnauthenticated.Error())
		return "", false
	}
	return userID, true
}
