package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string
	Agreement   AgreementConfig
	Billing     BillingConfig
	Outbox      OutboxConfig
	RateLimit   RateLimitConfig
	Log         LogConfig

	// TrustedProxies lists the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

type AgreementConfig struct {
	// TTL is how long an agreement may stay unsigned. Zero disables expiry.
	TTL time.Duration
}

// BillingConfig configures the invoice collaborator. Lease is how long an unfinished invoice
// call keeps its key before another delivery may take it over.
type BillingConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Lease      time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	Workers      int
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type LogConfig struct {
	Level  string
	Format string
}

// Memory reports whether the process runs without Postgres.
func (c *Config) Memory() bool {
	return c.DatabaseURL == ""
}

// Load reads envFile (".env" when empty) if it exists, then the process environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TrustedProxies: getEnvAsPrefixes("TRUSTED_PROXIES", &errs),
		Agreement: AgreementConfig{
			TTL: getEnvAsDuration("AGREEMENT_TTL", 14*24*time.Hour, &errs),
		},
		Billing: BillingConfig{
			WebhookURL: getEnv("BILLING_WEBHOOK_URL", ""),
			Timeout:    getEnvAsDuration("BILLING_TIMEOUT", 10*time.Second, &errs),
			Lease:      getEnvAsDuration("BILLING_LEASE", 2*time.Minute, &errs),
		},
		Outbox: OutboxConfig{
			PollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second, &errs),
			Workers:      getEnvAsInt("OUTBOX_WORKERS", 4, &errs),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20, &errs),
			Burst: getEnvAsInt("RATE_LIMIT_BURST", 40, &errs),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.Agreement.TTL < 0 {
		return fmt.Errorf("config: AGREEMENT_TTL must not be negative")
	}
	if c.Billing.Lease <= c.Billing.Timeout {
		return fmt.Errorf("config: BILLING_LEASE must exceed BILLING_TIMEOUT")
	}
	if c.Outbox.Workers < 1 {
		return fmt.Errorf("config: OUTBOX_WORKERS must be at least 1")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultValue
	}
	return v
}

func getEnvAsFloat(key string, defaultValue float64, errs *[]error) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultValue
	}
	return v
}

func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultValue
	}
	return v
}

// getEnvAsPrefixes parses a comma separated list of CIDRs or bare addresses.
func getEnvAsPrefixes(key string, errs *[]error) []netip.Prefix {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}
