package routes

import (
	"context"
	"time"

	"fanbase/config"
	"fanbase/controllers"
	"fanbase/metrics"
	"fanbase/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps carries everything the route table hands to controllers.
type Deps struct {
	Config   *config.Config
	DB       *gorm.DB
	Log      *zap.Logger
	Auditor  *utils.Auditor
	Kick     *controllers.KickController
	Payments *controllers.PaymentController
	Bot      *controllers.BotController
	Streams  *controllers.StreamController
}

func SetupRoutes(r *gin.Engine, d Deps) {
	cfg := d.Config

	r.Use(RequestID())
	r.Use(RequestLogger(d.Log.Named("http")))
	r.Use(metrics.Middleware())
	r.Use(SecurityHeaders())
	r.Use(CORS(cfg.Server.AllowedOrigins))

	r.GET("/health", healthHandler(d.DB))
	r.GET("/metrics", metrics.Handler())

	limited := func(c *gin.Context) { c.Next() }
	if cfg.RateLimit.Enabled {
		limited = RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	user := RequireUser(cfg.Auth, false)

	api := r.Group("/api")

	kick := api.Group("/kick")
	kick.POST("/link", limited, user, d.Kick.Link)
	kick.DELETE("/link", user, d.Kick.Unlink)
	kick.GET("/oauth/callback", d.Kick.Callback)
	kick.POST("/refresh", user, d.Kick.Refresh)
	kick.GET("/status", user, d.Kick.Status)

	payments := api.Group("/payments")
	payments.POST("/session", limited, user, d.Payments.CreateSession)
	payments.POST("/callback", d.Payments.Callback)
	payments.GET("/:merchant_oid", user, d.Payments.Transaction)

	api.GET("/points", user, d.Payments.Balance)
	api.GET("/points/leaderboard", d.Payments.Leaderboard)

	api.POST("/bot/sync", limited, RequireBotSecret(cfg.Bot.SharedSecret, d.Auditor), d.Bot.Sync)
	api.GET("/subscribers/leaderboard", d.Bot.SubscriberLeaderboard)

	api.GET("/events/ws", d.Streams.Events)
	api.GET("/realtime/ws", RequireUser(cfg.Auth, true), d.Streams.Changes)
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(503, gin.H{
				"status":    "unhealthy",
				"error":     "database connection error",
				"timestamp": time.Now().Unix(),
			})
			return
		}

		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := sqlDB.PingContext(pingCtx); err != nil {
			c.JSON(503, gin.H{
				"status":    "unhealthy",
				"error":     "database ping failed",
				"timestamp": time.Now().Unix(),
			})
			return
		}

		metrics.RecordDBPoolStats(sqlDB.Stats())
		c.JSON(200, gin.H{
			"status":    "healthy",
			"database":  "connected",
			"timestamp": time.Now().Unix(),
		})
	}
}
