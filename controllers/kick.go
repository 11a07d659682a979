package controllers

import (
	"errors"
	"net/http"
	"net/url"

	"fanbase/services"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type KickController struct {
	links       *services.LinkService
	frontendURL string
	log         *zap.Logger
}

func NewKickController(links *services.LinkService, frontendURL string, log *zap.Logger) *KickController {
	return &KickController{
		links:       links,
		frontendURL: frontendURL,
		log:         log.Named("kick_controller"),
	}
}

func (c *KickController) Link(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	authURL, err := c.links.Initiate(ctx.Request.Context(), userID)
	if err != nil {
		c.log.Error("failed to initialize link", zap.String("user_id", userID), zap.Error(err))
		utils.InternalError(ctx, "failed to initialize link")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"auth_url": authURL})
}

// Callback is where the provider sends the browser back. The outcome is
// always reported to the frontend through a redirect.
func (c *KickController) Callback(ctx *gin.Context) {
	if providerErr := ctx.Query("error"); providerErr != "" {
		c.log.Info("authorization denied by provider",
			zap.String("error", providerErr),
			zap.String("description", ctx.Query("error_description")))
		c.redirect(ctx, url.Values{"error": {"access_denied"}})
		return
	}

	account, err := c.links.CompleteLink(ctx.Request.Context(), ctx.Query("state"), ctx.Query("code"))
	if err != nil {
		c.redirect(ctx, url.Values{"error": {c.callbackErrorCode(err)}})
		return
	}

	c.redirect(ctx, url.Values{
		"kick_linked":   {"true"},
		"kick_username": {account.Username},
	})
}

func (c *KickController) callbackErrorCode(err error) string {
	var upErr *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, services.ErrAccountTaken):
		return "account_taken"
	case errors.As(err, &upErr):
		c.log.Warn("kick link failed upstream", zap.Int("status", upErr.Status), zap.String("reason", upErr.Reason))
		return "provider_error"
	default:
		c.log.Error("kick link failed", zap.Error(err))
		return "link_failed"
	}
}

func (c *KickController) redirect(ctx *gin.Context, params url.Values) {
	target, err := url.Parse(c.frontendURL)
	if err != nil {
		utils.InternalError(ctx, "invalid frontend url")
		return
	}
	q := target.Query()
	for k, v := range params {
		q[k] = v
	}
	target.RawQuery = q.Encode()
	ctx.Redirect(http.StatusFound, target.String())
}

func (c *KickController) Refresh(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	result, err := c.links.Refresh(ctx.Request.Context(), userID)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to refresh token")
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (c *KickController) Status(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	status, err := c.links.Status(ctx.Request.Context(), userID)
	if err != nil {
		respondServiceError(ctx, c.log, err, "failed to load link status")
		return
	}
	ctx.JSON(http.StatusOK, status)
}

func (c *KickController) Unlink(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}

	if err := c.links.Unlink(ctx.Request.Context(), userID); err != nil {
		respondServiceError(ctx, c.log, err, "failed to unlink account")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"linked": false})
}
