package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the api and creditctl processes read from the
// environment. Packages receive their section; none of them call os.Getenv.
type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Payment     PaymentConfig
	Credits     CreditsConfig
	Catalog     CatalogConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
	// BaseURL is the public origin used to build checkout return URLs.
	BaseURL string
	// SnowflakeNode must differ per running instance.
	SnowflakeNode int
	AutoMigrate   bool
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is one of disable, require, verify-ca, verify-full.
	// Production must set it.
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// PaymentConfig selects and configures payment providers.
type PaymentConfig struct {
	// Providers lists enabled provider keys, e.g. "stripe,creem".
	Providers       []string
	DefaultProvider string
	SuccessURL      string
	CancelURL       string

	Stripe StripeConfig
	Creem  CreemConfig
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type CreemConfig struct {
	APIKey        string
	WebhookSecret string
	// Environment is "sandbox" or "production".
	Environment string
}

// CreditsConfig drives the signup bonus.
type CreditsConfig struct {
	InitialEnabled     bool
	InitialAmount      int64
	InitialValidDays   int
	InitialDescription string
}

type CatalogConfig struct {
	Path string
}

type IdempotencyConfig struct {
	// DoneTTL is how long a processed key is remembered in Redis.
	DoneTTL time.Duration
	// ClaimTTL bounds how long an in-flight delivery blocks duplicates.
	ClaimTTL  time.Duration
	CacheSize int
}

type RateLimitConfig struct {
	WebhookRPS   float64
	WebhookBurst int
}

// Load reads a local .env when present, then the process environment.
// All parse and validation problems are reported together.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var e envReader
	c := Config{
		App: AppConfig{
			Env:           e.str("APP_ENV"),
			Port:          e.requiredInt("APP_PORT"),
			LogLevel:      e.str("LOG_LEVEL"),
			BaseURL:       strings.TrimRight(e.str("APP_BASE_URL"), "/"),
			SnowflakeNode: e.int("SNOWFLAKE_NODE", 1),
			AutoMigrate:   e.bool("AUTO_MIGRATE", false),
		},
		DB: DBConfig{
			Host:     e.str("DB_HOST"),
			Port:     e.requiredInt("DB_PORT"),
			User:     e.str("DB_USER"),
			Password: e.secret("DB_PASSWORD"),
			Name:     e.str("DB_NAME"),
			SSLMode:  e.str("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:     e.str("REDIS_HOST"),
			Port:     e.requiredInt("REDIS_PORT"),
			Password: e.secret("REDIS_PASSWORD"),
			DB:       e.int("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:       e.secret("JWT_SECRET"),
			JWTIssuer:       e.str("JWT_ISSUER"),
			JWTAudience:     e.str("JWT_AUDIENCE"),
			AccessTokenTTL:  e.duration("JWT_ACCESS_TTL"),
			RefreshTokenTTL: e.duration("JWT_REFRESH_TTL"),
		},
		Payment: PaymentConfig{
			Providers:       e.list("PAYMENT_PROVIDERS"),
			DefaultProvider: strings.ToLower(e.str("PAYMENT_DEFAULT_PROVIDER")),
			SuccessURL:      e.str("PAYMENT_SUCCESS_URL"),
			CancelURL:       e.str("PAYMENT_CANCEL_URL"),
			Stripe: StripeConfig{
				SecretKey:     e.secret("STRIPE_SECRET_KEY"),
				WebhookSecret: e.secret("STRIPE_WEBHOOK_SECRET"),
			},
			Creem: CreemConfig{
				APIKey:        e.secret("CREEM_API_KEY"),
				WebhookSecret: e.secret("CREEM_WEBHOOK_SECRET"),
				Environment:   e.str("CREEM_ENVIRONMENT"),
			},
		},
		Credits: CreditsConfig{
			InitialEnabled:     e.bool("INITIAL_CREDITS_ENABLED", false),
			InitialAmount:      int64(e.int("INITIAL_CREDITS_AMOUNT", 0)),
			InitialValidDays:   e.int("INITIAL_CREDITS_VALID_DAYS", 0),
			InitialDescription: e.str("INITIAL_CREDITS_DESCRIPTION"),
		},
		Catalog: CatalogConfig{Path: e.str("CATALOG_PATH")},
		Idempotency: IdempotencyConfig{
			DoneTTL:   e.duration("IDEMPOTENCY_TTL"),
			ClaimTTL:  e.duration("IDEMPOTENCY_CLAIM_TTL"),
			CacheSize: e.int("IDEMPOTENCY_CACHE_SIZE", 0),
		},
		RateLimit: RateLimitConfig{
			WebhookRPS:   e.float("WEBHOOK_RATE_LIMIT_RPS", 0),
			WebhookBurst: e.int("WEBHOOK_RATE_LIMIT_BURST", 0),
		},
	}
	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(e.errs...))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) IsProduction() bool { return c.App.Env == "production" }

func (c Config) HTTPAddr() string { return ":" + strconv.Itoa(c.App.Port) }

// PostgresDSN renders a postgres:// URL. It embeds the password; never log it.
func (c Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": {c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}
