package utils

import (
	"github.com/gin-gonic/gin"
)

const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
	ContextRequestID = "request_id"
)

// CurrentUser returns the authenticated user id set by the bearer middleware.
func CurrentUser(ctx *gin.Context) (string, bool) {
	v, ok := ctx.Get(ContextUserID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func CurrentEmail(ctx *gin.Context) string {
	return ctx.GetString(ContextUserEmail)
}
