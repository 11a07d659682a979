package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fanbase/bridge"
	"fanbase/config"
	"fanbase/controllers"
	"fanbase/database"
	"fanbase/kick"
	"fanbase/logging"
	"fanbase/metrics"
	"fanbase/paytr"
	"fanbase/realtime"
	"fanbase/routes"
	"fanbase/services"
	"fanbase/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fanbase",
		Short:         "Kick account linking, points purchases and subscriber sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newMigrateCmd(),
		newPurgeCmd(),
		newBackupCmd(),
		newAuditCmd(),
	)
	return root
}

// app is the process-wide state shared by every command.
type app struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	db, err := database.Open(cfg.Database, log, cfg.Server.LogLevel == "debug")
	if err != nil {
		log.Sync()
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) close() {
	if err := database.Close(a.db, a.cfg.Database.Type, a.log); err != nil {
		a.log.Warn("database close failed", zap.Error(err))
	}
	a.log.Sync()
}

func runServe(parent context.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log, db := a.cfg, a.log, a.db

	if err := database.Migrate(db); err != nil {
		return err
	}

	cipher, err := utils.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}
	log.Info("integrations configured",
		zap.String("kick_client_id", utils.MaskValue(cfg.Kick.ClientID)),
		zap.String("kick_redirect_url", cfg.Kick.RedirectURL),
		zap.String("paytr_merchant_id", utils.MaskValue(cfg.PayTR.MerchantID)),
		zap.Bool("paytr_test_mode", cfg.PayTR.TestMode),
		zap.Strings("bridge_channels", cfg.Bridge.Channels))
	auditor := utils.NewAuditor(db, log)
	hub := realtime.NewHub(log, cfg.Server.AllowedOrigins)

	kickClient := kick.NewClient(cfg.Kick, cfg.HTTP.KickClient())
	gateway := paytr.NewClient(cfg.PayTR, cfg.HTTP.PayTRClient())

	links := services.NewLinkService(db, kickClient, cipher, auditor, hub, log, cfg.Kick.LinkAttemptTTL)
	payments := services.NewPaymentService(db, gateway, auditor, hub, log, cfg.PayTR.PointsPerUnit, cfg.PayTR.Currency)
	subscribers := services.NewSubscriberService(db, hub, log)
	botSync := services.NewBotSyncService(db, auditor, hub, log)
	janitor := services.NewJanitor(links, auditor, cfg.Security.AuditRetentionDays, services.DefaultJanitorInterval, log)

	eventBridge := bridge.New(bridge.Options{
		UpstreamURL:    cfg.Bridge.PusherURL,
		Channels:       cfg.Bridge.Channels,
		ReconnectDelay: cfg.Bridge.ReconnectDelay,
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
	}, subscribers, log)

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, routes.Deps{
		Config:   cfg,
		DB:       db,
		Log:      log,
		Auditor:  auditor,
		Kick:     controllers.NewKickController(links, cfg.Server.FrontendURL, log),
		Payments: controllers.NewPaymentController(payments, log),
		Bot:      controllers.NewBotController(botSync, subscribers, log),
		Streams:  controllers.NewStreamController(hub, eventBridge),
	})

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go janitor.Run(ctx)
	go recordPoolStats(ctx, db)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func recordPoolStats(ctx context.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBPoolStats(sqlDB.Stats())
		}
	}
}
