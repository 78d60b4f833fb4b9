package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	appEnvs  = []string{"local", "dev", "staging", "production"}
	sslModes = []string{"disable", "require", "verify-ca", "verify-full"}
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 30 * 24 * time.Hour
	defaultDoneTTL      = 7 * 24 * time.Hour
	defaultClaimTTL     = 30 * time.Second
	defaultCacheSize    = 10000
	defaultWebhookRPS   = 50
	defaultWebhookBurst = 100
	defaultCatalogPath  = "catalog.yaml"
)

// Validate checks required values and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateStores()...)
	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validatePayment()...)
	errs = append(errs, c.validateCredits()...)
	c.applyDefaults()
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func (c *Config) validateApp() []error {
	var errs []error
	switch {
	case c.App.Env == "":
		errs = append(errs, errors.New("APP_ENV is required"))
	case !slices.Contains(appEnvs, c.App.Env):
		errs = append(errs, fmt.Errorf("APP_ENV must be one of %v, got %q", appEnvs, c.App.Env))
	}
	if !validPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.SnowflakeNode < 0 || c.App.SnowflakeNode > 1023 {
		errs = append(errs, fmt.Errorf("SNOWFLAKE_NODE must be within 0..1023, got %d", c.App.SnowflakeNode))
	}
	return errs
}

func (c *Config) validateStores() []error {
	var errs []error
	for _, r := range []struct{ key, val string }{
		{"DB_HOST", c.DB.Host},
		{"DB_USER", c.DB.User},
		{"DB_NAME", c.DB.Name},
		{"REDIS_HOST", c.Redis.Host},
	} {
		if r.val == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if !validPort(c.DB.Port) {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if !validPort(c.Redis.Port) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	switch {
	case c.DB.SSLMode == "" && c.IsProduction():
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	case c.DB.SSLMode == "":
		c.DB.SSLMode = "disable"
	case !slices.Contains(sslModes, c.DB.SSLMode):
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of %v, got %q", sslModes, c.DB.SSLMode))
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	a := &c.Auth
	if a.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() && (a.JWTIssuer == "" || a.JWTAudience == "") {
		errs = append(errs, errors.New("JWT_ISSUER and JWT_AUDIENCE are required in production"))
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = defaultAccessTTL
	}
	if a.RefreshTokenTTL <= 0 {
		a.RefreshTokenTTL = defaultRefreshTTL
	}
	if a.RefreshTokenTTL <= a.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

func (c *Config) validatePayment() []error {
	p := &c.Payment
	if len(p.Providers) == 0 {
		return []error{errors.New("PAYMENT_PROVIDERS is required")}
	}
	var errs []error
	for _, name := range p.Providers {
		switch name {
		case "stripe":
			if p.Stripe.SecretKey == "" || p.Stripe.WebhookSecret == "" {
				errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required when stripe is enabled"))
			}
		case "creem":
			if p.Creem.APIKey == "" || p.Creem.WebhookSecret == "" {
				errs = append(errs, errors.New("CREEM_API_KEY and CREEM_WEBHOOK_SECRET are required when creem is enabled"))
			}
			if p.Creem.Environment == "" {
				p.Creem.Environment = "sandbox"
			}
			if p.Creem.Environment != "sandbox" && p.Creem.Environment != "production" {
				errs = append(errs, fmt.Errorf("CREEM_ENVIRONMENT must be sandbox or production, got %q", p.Creem.Environment))
			}
		default:
			errs = append(errs, fmt.Errorf("PAYMENT_PROVIDERS contains unknown provider %q", name))
		}
	}

	switch {
	case p.DefaultProvider == "":
		p.DefaultProvider = p.Providers[0]
	case !slices.Contains(p.Providers, p.DefaultProvider):
		errs = append(errs, fmt.Errorf("PAYMENT_DEFAULT_PROVIDER %q is not enabled", p.DefaultProvider))
	}

	base := c.App.BaseURL
	if base == "" && (p.SuccessURL == "" || p.CancelURL == "") {
		errs = append(errs, errors.New("APP_BASE_URL or both PAYMENT_SUCCESS_URL and PAYMENT_CANCEL_URL are required"))
	}
	if base != "" {
		if p.SuccessURL == "" {
			p.SuccessURL = base + "/billing/success"
		}
		if p.CancelURL == "" {
			p.CancelURL = base + "/billing/cancel"
		}
	}
	return errs
}

func (c *Config) validateCredits() []error {
	var errs []error
	if c.Credits.InitialEnabled && c.Credits.InitialAmount <= 0 {
		errs = append(errs, errors.New("INITIAL_CREDITS_AMOUNT must be > 0 when INITIAL_CREDITS_ENABLED is true"))
	}
	if c.Credits.InitialValidDays < 0 {
		errs = append(errs, fmt.Errorf("INITIAL_CREDITS_VALID_DAYS must be >= 0, got %d", c.Credits.InitialValidDays))
	}
	return errs
}

func (c *Config) applyDefaults() {
	if c.Catalog.Path == "" {
		c.Catalog.Path = defaultCatalogPath
	}
	if c.Idempotency.DoneTTL <= 0 {
		c.Idempotency.DoneTTL = defaultDoneTTL
	}
	if c.Idempotency.ClaimTTL <= 0 {
		c.Idempotency.ClaimTTL = defaultClaimTTL
	}
	if c.Idempotency.CacheSize <= 0 {
		c.Idempotency.CacheSize = defaultCacheSize
	}
	if c.RateLimit.WebhookRPS <= 0 {
		c.RateLimit.WebhookRPS = defaultWebhookRPS
	}
	if c.RateLimit.WebhookBurst <= 0 {
		c.RateLimit.WebhookBurst = defaultWebhookBurst
	}
}
