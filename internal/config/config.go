package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort            = "3000"
	defaultSessionTTL      = 24 * time.Hour
	defaultAgroCoreTimeout = 8 * time.Second
	defaultMediaTimeout    = 8 * time.Second
	defaultReplyBudget     = 10 * time.Second
	twilioWebhookLimit     = 15 * time.Second
	defaultAgroCoreRetries = 3
	defaultRateLimitPerMin = 30
	defaultAdminUsername   = "admin"
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
	defaultLocale          = "en"
)

// Config is the runtime configuration of the bot, read from the environment.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	SessionTTL  time.Duration
	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	RateLimitPerMinute int

	AgroCore AgroCoreConfig
	Twilio   TwilioConfig
	Admin    AdminConfig

	// ReplyBudget caps the time spent answering one message; MediaTimeout bounds one download.
	ReplyBudget  time.Duration
	MediaTimeout time.Duration

	WhatsAppDeviceDB  string
	TelegramBotToken  string
	NutrientTablePath string
}

type AgroCoreConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	Locale  string
}

// Enabled reports whether an AgroCore base URL was configured.
func (a AgroCoreConfig) Enabled() bool { return a.BaseURL != "" }

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	ValidateSignature bool
	PublicBaseURL     string
	WhatsAppFrom      string // sender for operator pushes, e.g. whatsapp:+14155238886
}

// CanSend reports whether outbound Twilio messages can be sent.
func (t TwilioConfig) CanSend() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.WhatsAppFrom != ""
}

type AdminConfig struct {
	JWTSecret    string
	Username     string
	PasswordHash string
}

// Enabled reports whether the admin API can authenticate anyone.
func (a AdminConfig) Enabled() bool { return a.JWTSecret != "" && a.PasswordHash != "" }

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      envOr("PORT", defaultPort),
		LogLevel:  strings.ToLower(envOr("LOG_LEVEL", defaultLogLevel)),
		LogFormat: strings.ToLower(envOr("LOG_FORMAT", defaultLogFormat)),

		SessionTTL:  defaultSessionTTL,
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:  strings.TrimSpace(os.Getenv("SQLITE_PATH")),

		RateLimitPerMinute: defaultRateLimitPerMin,
		ReplyBudget:        defaultReplyBudget,
		MediaTimeout:       defaultMediaTimeout,

		AgroCore: AgroCoreConfig{
			BaseURL: strings.TrimRight(firstNonEmpty(os.Getenv("AGROCORE_BASE"), os.Getenv("AGROCORE_URL")), "/"),
			Timeout: defaultAgroCoreTimeout,
			Retries: defaultAgroCoreRetries,
			Locale:  envOr("AGROCORE_LOCALE", defaultLocale),
		},
		Twilio: TwilioConfig{
			AccountSID:    strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
			AuthToken:     strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
			PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),
			WhatsAppFrom:  strings.TrimSpace(os.Getenv("TWILIO_WHATSAPP_FROM")),
		},
		Admin: AdminConfig{
			JWTSecret:    os.Getenv("JWT_SECRET"),
			Username:     envOr("ADMIN_USERNAME", defaultAdminUsername),
			PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		},

		WhatsAppDeviceDB:  strings.TrimSpace(os.Getenv("WHATSAPP_DEVICE_DB")),
		TelegramBotToken:  strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		NutrientTablePath: strings.TrimSpace(os.Getenv("NUTRIENT_TABLE_PATH")),
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_TTL_SECONDS")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("SESSION_TTL_SECONDS must be a positive integer, got %q", raw)
		}
		cfg.SessionTTL = time.Duration(secs) * time.Second
	}

	if raw := strings.TrimSpace(os.Getenv("AGROCORE_TIMEOUT_SECONDS")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("AGROCORE_TIMEOUT_SECONDS must be a positive integer, got %q", raw)
		}
		cfg.AgroCore.Timeout = time.Duration(secs) * time.Second
	}

	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_BUDGET_SECONDS")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 || time.Duration(secs)*time.Second >= twilioWebhookLimit {
			return nil, fmt.Errorf("WEBHOOK_BUDGET_SECONDS must be between 1 and 14, got %q", raw)
		}
		cfg.ReplyBudget = time.Duration(secs) * time.Second
	}
	if cfg.AgroCore.Timeout > cfg.ReplyBudget {
		cfg.AgroCore.Timeout = cfg.ReplyBudget
	}
	if cfg.MediaTimeout > cfg.ReplyBudget {
		cfg.MediaTimeout = cfg.ReplyBudget
	}

	if raw := strings.TrimSpace(os.Getenv("AGROCORE_RETRIES")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("AGROCORE_RETRIES must be zero or positive, got %q", raw)
		}
		cfg.AgroCore.Retries = n
	}

	if raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_MINUTE")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be zero or positive, got %q", raw)
		}
		cfg.RateLimitPerMinute = n
	}

	if raw := strings.TrimSpace(os.Getenv("TWILIO_VALIDATE_SIGNATURE")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("TWILIO_VALIDATE_SIGNATURE: %w", err)
		}
		cfg.Twilio.ValidateSignature = v
	}
	if cfg.Twilio.ValidateSignature && cfg.Twilio.AuthToken == "" {
		return nil, fmt.Errorf("TWILIO_VALIDATE_SIGNATURE requires TWILIO_AUTH_TOKEN")
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("PORT must be numeric, got %q", cfg.Port)
	}

	return cfg, nil
}

// StoreBackend names the session backing selected by the configuration.
func (c *Config) StoreBackend() string {
	switch {
	case c.RedisURL != "":
		return "redis"
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
