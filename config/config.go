package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultKickAuthURL   = "https://id.kick.com/oauth/authorize"
	defaultKickTokenURL  = "https://id.kick.com/oauth/token"
	defaultKickAPIURL    = "https://api.kick.com"
	defaultPayTRBaseURL  = "https://www.paytr.com"
	defaultPusherURL     = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"
	defaultKickScopes    = "user:read channel:read"
	defaultSQLitePath    = "data/fanbase.db"
	encryptionKeyLength  = 32
	defaultLinkAttemptTT = 10 * time.Minute
)

// Config is loaded once at startup and passed to every component that needs
// a secret or an endpoint. Nothing reads the environment after Load returns.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Kick      KickConfig
	PayTR     PayTRConfig
	Bot       BotConfig
	Bridge    BridgeConfig
	Security  SecurityConfig
	HTTP      HTTPConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port            string `validate:"required"`
	Env             string `validate:"oneof=development production test"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	FrontendURL     string `validate:"required,url"`
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type DatabaseConfig struct {
	Type string `validate:"oneof=sqlite mysql"`
	Path string
	DSN  string `validate:"required_if=Type mysql"`
}

type AuthConfig struct {
	JWTSecret string `validate:"required"`
	Issuer    string
}

type KickConfig struct {
	ClientID       string `validate:"required"`
	ClientSecret   string `validate:"required"`
	RedirectURL    string `validate:"required,url"`
	Scopes         []string
	AuthURL        string `validate:"required,url"`
	TokenURL       string `validate:"required,url"`
	APIBaseURL     string `validate:"required,url"`
	LinkAttemptTTL time.Duration
}

type PayTRConfig struct {
	MerchantID     string `validate:"required"`
	MerchantKey    string `validate:"required"`
	MerchantSalt   string `validate:"required"`
	BaseURL        string `validate:"required,url"`
	TestMode       bool
	Debug          bool
	Currency       string `validate:"required"`
	Lang           string
	NoInstallment  int `validate:"oneof=0 1"`
	MaxInstallment int `validate:"gte=0,lte=12"`
	TimeoutLimit   int `validate:"gte=0"`
	PointsPerUnit  int64 `validate:"gt=0"`
	OKURL          string `validate:"required,url"`
	FailURL        string `validate:"required,url"`
}

type BotConfig struct {
	SharedSecret string `validate:"required,min=16"`
}

type BridgeConfig struct {
	PusherURL      string `validate:"required"`
	Channels       []string
	ReconnectDelay time.Duration
	AllowedOrigins []string
}

type SecurityConfig struct {
	EncryptionKey      string `validate:"required,len=32"`
	AuditRetentionDays int    `validate:"gte=1"`
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64 `validate:"gt=0"`
	Burst   int     `validate:"gt=0"`
}

// Load reads an optional .env file and the process environment, applies
// defaults and validates the result. A missing secret is a startup error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             getEnv("APP_ENV", "development"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			FrontendURL:     getEnv("FRONTEND_URL", "http://localhost:5173"),
			AllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", "*"),
			ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Type: getEnv("DB_TYPE", "sqlite"),
			Path: getEnv("DB_PATH", defaultSQLitePath),
			DSN:  mysqlDSN(),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			Issuer:    os.Getenv("AUTH_JWT_ISSUER"),
		},
		Kick: KickConfig{
			ClientID:       os.Getenv("KICK_CLIENT_ID"),
			ClientSecret:   os.Getenv("KICK_CLIENT_SECRET"),
			RedirectURL:    os.Getenv("KICK_REDIRECT_URL"),
			Scopes:         strings.Fields(getEnv("KICK_SCOPES", defaultKickScopes)),
			AuthURL:        getEnv("KICK_AUTH_URL", defaultKickAuthURL),
			TokenURL:       getEnv("KICK_TOKEN_URL", defaultKickTokenURL),
			APIBaseURL:     getEnv("KICK_API_URL", defaultKickAPIURL),
			LinkAttemptTTL: getDuration("KICK_LINK_ATTEMPT_TTL", defaultLinkAttemptTT),
		},
		PayTR: PayTRConfig{
			MerchantID:     os.Getenv("PAYTR_MERCHANT_ID"),
			MerchantKey:    os.Getenv("PAYTR_MERCHANT_KEY"),
			MerchantSalt:   os.Getenv("PAYTR_MERCHANT_SALT"),
			BaseURL:        getEnv("PAYTR_BASE_URL", defaultPayTRBaseURL),
			TestMode:       getBool("PAYTR_TEST_MODE", false),
			Debug:          getBool("PAYTR_DEBUG", false),
			Currency:       getEnv("PAYTR_CURRENCY", "TL"),
			Lang:           getEnv("PAYTR_LANG", "tr"),
			NoInstallment:  getInt("PAYTR_NO_INSTALLMENT", 0),
			MaxInstallment: getInt("PAYTR_MAX_INSTALLMENT", 0),
			TimeoutLimit:   getInt("PAYTR_TIMEOUT_LIMIT", 30),
			PointsPerUnit:  int64(getInt("PAYTR_POINTS_PER_UNIT", 10)),
		},
		Bot: BotConfig{
			SharedSecret: os.Getenv("BOT_SHARED_SECRET"),
		},
		Bridge: BridgeConfig{
			PusherURL:      getEnv("KICK_PUSHER_URL", defaultPusherURL),
			Channels:       getList("KICK_PUSHER_CHANNELS", ""),
			ReconnectDelay: getDuration("BRIDGE_RECONNECT_DELAY", 5*time.Second),
		},
		Security: SecurityConfig{
			EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
			AuditRetentionDays: getInt("AUDIT_RETENTION_DAYS", 90),
		},
		HTTP: loadHTTPConfig(),
		RateLimit: RateLimitConfig{
			Enabled: getBool("RATE_LIMIT_ENABLED", true),
			RPS:     getFloat("RATE_LIMIT_RPS", 2),
			Burst:   getInt("RATE_LIMIT_BURST", 10),
		},
	}

	cfg.PayTR.OKURL = getEnv("PAYTR_OK_URL", strings.TrimRight(cfg.Server.FrontendURL, "/")+"/store?payment=success")
	cfg.PayTR.FailURL = getEnv("PAYTR_FAIL_URL", strings.TrimRight(cfg.Server.FrontendURL, "/")+"/store?payment=failed")
	cfg.Bridge.AllowedOrigins = cfg.Server.AllowedOrigins

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Security.EncryptionKey) != encryptionKeyLength {
		return fmt.Errorf("invalid configuration: ENCRYPTION_KEY must be exactly %d bytes", encryptionKeyLength)
	}
	return nil
}

func mysqlDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	user, pass, host, port, name := os.Getenv("DB_USER"), os.Getenv("DB_PASS"), os.Getenv("DB_HOST"), os.Getenv("DB_PORT"), os.Getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	if port == "" {
		port = "3306"
	}
	return user + ":" + pass + "@tcp(" + host + ":" + port + ")/" + name + "?parseTime=true&charset=utf8mb4&loc=UTC"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
