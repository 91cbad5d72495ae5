package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const EnvProduction = "production"

type Config struct {
	Port        string
	Environment string

	DatabaseURL string

	WebhookSecret         string
	AllowUnsignedWebhooks bool
	WebhookTimeout        time.Duration

	ProductMapFile string

	LicensePrefix           string
	LicenseValidity         time.Duration
	LicenseSingleMaxUsage   int
	LicenseExtendedMaxUsage int

	LicenseRateLimit  int
	LicenseRateWindow time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN          string
	CORSAllowedOrigins []string
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// EmailEnabled reports whether SMTP delivery of license e-mails is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != ""
}

// New reads the configuration from the environment. Every problem found is
// reported at once rather than failing on the first one.
func New() (*Config, error) {
	var errs *multierror.Error

	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		Environment:    strings.ToLower(getenv("APP_ENV", "development")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WebhookSecret:  os.Getenv("LEMONSQUEEZY_WEBHOOK_SECRET"),
		ProductMapFile: os.Getenv("PRODUCT_MAP_FILE"),
		LicensePrefix:  strings.ToUpper(getenv("LICENSE_PREFIX", "TPL")),
		SMTPHost:       os.Getenv("SMTP_HOST"),
		SMTPPort:       os.Getenv("SMTP_PORT"),
		SMTPUsername:   os.Getenv("SMTP_USERNAME"),
		SMTPPassword:   os.Getenv("SMTP_PASSWORD"),
		EmailFrom:      getenv("EMAIL_FROM", "licenses@templateshop.app"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
	}

	if cfg.DatabaseURL == "" {
		errs = multierror.Append(errs, errors.New("DATABASE_URL environment variable is required"))
	}

	var err error
	if cfg.AllowUnsignedWebhooks, err = parseBool("WEBHOOK_ALLOW_UNSIGNED", false); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.WebhookTimeout, err = parseDuration("WEBHOOK_TIMEOUT", 10*time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LicenseValidity, err = parseDuration("LICENSE_VALIDITY", 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LicenseSingleMaxUsage, err = parseInt("LICENSE_SINGLE_MAX_USAGE", 1); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LicenseExtendedMaxUsage, err = parseInt("LICENSE_EXTENDED_MAX_USAGE", 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LicenseRateLimit, err = parseInt("LICENSE_RATE_LIMIT", 30); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LicenseRateWindow, err = parseDuration("LICENSE_RATE_WINDOW", time.Minute); err != nil {
		errs = multierror.Append(errs, err)
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	} else {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if cfg.IsProduction() {
		if cfg.WebhookSecret == "" {
			errs = multierror.Append(errs, errors.New("LEMONSQUEEZY_WEBHOOK_SECRET environment variable is required in production"))
		}
		if cfg.AllowUnsignedWebhooks {
			errs = multierror.Append(errs, errors.New("WEBHOOK_ALLOW_UNSIGNED cannot be enabled in production"))
		}
	}

	if cfg.WebhookTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("WEBHOOK_TIMEOUT must be positive"))
	}
	if cfg.LicenseSingleMaxUsage < 0 || cfg.LicenseExtendedMaxUsage < 0 {
		errs = multierror.Append(errs, errors.New("license max usage values cannot be negative"))
	}

	if cfg.SMTPHost != "" || cfg.SMTPPort != "" {
		if cfg.SMTPHost == "" || cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "" {
			errs = multierror.Append(errs, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when using SMTP"))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return i, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
