package routes

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"fanbase/config"
	"fanbase/models"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errMissingToken = errors.New("missing bearer token")

type userClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// RequireUser verifies an HS256 session token and stores the subject as
// the current user. The token comes from the Authorization header, or the
// token query value when allowQuery is set (browsers cannot add headers to
// a WebSocket handshake).
func RequireUser(cfg config.AuthConfig, allowQuery bool) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		raw, err := bearerToken(c, allowQuery)
		if err != nil {
			utils.Abort(c, http.StatusUnauthorized, err.Error())
			return
		}

		claims := &userClaims{}
		_, err = parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || claims.Subject == "" {
			utils.Abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		c.Set(utils.ContextUserID, claims.Subject)
		if claims.Email != "" {
			c.Set(utils.ContextUserEmail, claims.Email)
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context, allowQuery bool) (string, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errors.New("malformed authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	if allowQuery {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}

// RequireBotSecret admits requests carrying the shared bot secret.
func RequireBotSecret(secret string, auditor *utils.Auditor) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("X-Bot-Secret"))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			auditor.Security(models.AuditActionError, c.ClientIP(), c.Request.UserAgent(), c.FullPath(), "invalid bot secret")
			utils.Abort(c, http.StatusUnauthorized, "invalid bot secret")
			return
		}
		c.Next()
	}
}
