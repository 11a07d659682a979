package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

func Error(ctx *gin.Context, statusCode int, message string) {
	ctx.JSON(statusCode, ErrorResponse{Error: message, Code: statusCode})
}

// Abort writes the error body and stops the middleware chain.
func Abort(ctx *gin.Context, statusCode int, message string) {
	ctx.AbortWithStatusJSON(statusCode, ErrorResponse{Error: message, Code: statusCode})
}

// ErrorWithDetails adds a short machine readable hint, such as the name
// of the provider that failed.
func ErrorWithDetails(ctx *gin.Context, statusCode int, message, details string) {
	ctx.JSON(statusCode, ErrorResponse{Error: message, Code: statusCode, Details: details})
}

func BadRequest(ctx *gin.Context, message string) {
	Error(ctx, http.StatusBadRequest, message)
}

func Unauthorized(ctx *gin.Context, message string) {
	Error(ctx, http.StatusUnauthorized, message)
}

func NotFound(ctx *gin.Context, message string) {
	Error(ctx, http.StatusNotFound, message)
}

func Conflict(ctx *gin.Context, message string) {
	Error(ctx, http.StatusConflict, message)
}

func InternalError(ctx *gin.Context, message string) {
	Error(ctx, http.StatusInternalServerError, message)
}
