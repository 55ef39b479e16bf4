// Package config loads engine settings from a YAML file overlaid by
// environment variables. A .env file in the working directory is honoured.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the full engine configuration.
type Config struct {
	Log            LogConfig            `yaml:"log"`
	HTTP           HTTPConfig           `yaml:"http"`
	Storage        StorageConfig        `yaml:"storage"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	QuoteFeed      QuoteFeedConfig      `yaml:"quote_feed"`
	Quote          QuoteConfig          `yaml:"quote"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	DeadLetter     DeadLetterConfig     `yaml:"dead_letter"`
	Identity       IdentityConfig       `yaml:"identity"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type HTTPConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"` // optional audit mirror
}

type ExchangeConfig struct {
	Paper      bool          `yaml:"paper"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	RateLimit  float64       `yaml:"rate_limit"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type QuoteFeedConfig struct {
	Endpoint string   `yaml:"endpoint"` // empty disables the feed
	Tokens   []string `yaml:"tokens"`
}

type QuoteConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	PendingWait   time.Duration `yaml:"pending_wait"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ReconciliationConfig struct {
	Interval             time.Duration   `yaml:"interval"`
	AutoCorrectMaxShares decimal.Decimal `yaml:"auto_correct_max_shares"`
	WarningShares        decimal.Decimal `yaml:"warning_shares"`
	CriticalShares       decimal.Decimal `yaml:"critical_shares"`
	WarningNotional      decimal.Decimal `yaml:"warning_notional"`
	CriticalNotional     decimal.Decimal `yaml:"critical_notional"`
	StaleOrderAfter      time.Duration   `yaml:"stale_order_after"`
	UnknownOrderAfter    time.Duration   `yaml:"unknown_order_after"`
}

type DeadLetterConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"`
}

type IdentityConfig struct {
	ValidateEd25519 bool `yaml:"validate_ed25519"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		HTTP:    HTTPConfig{Addr: ":8080", RateLimit: 20, RateBurst: 50},
		Storage: StorageConfig{Backend: BackendPostgres},
		Exchange: ExchangeConfig{
			RateLimit:  10,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Quote: QuoteConfig{MaxAge: 30 * time.Second},
		Idempotency: IdempotencyConfig{
			TTL:           time.Hour,
			PendingWait:   5 * time.Second,
			SweepInterval: 5 * time.Minute,
		},
		Reconciliation: ReconciliationConfig{
			Interval:          30 * time.Second,
			WarningShares:     decimal.NewFromInt(1),
			CriticalShares:    decimal.NewFromInt(50),
			WarningNotional:   decimal.NewFromInt(10),
			CriticalNotional:  decimal.NewFromInt(500),
			StaleOrderAfter:   2 * time.Minute,
			UnknownOrderAfter: 15 * time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			MaxRetries:    5,
			BaseBackoff:   2 * time.Second,
			MaxBackoff:    5 * time.Minute,
			SweepInterval: 10 * time.Second,
			Workers:       4,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables. Callers apply their own
// overrides and then call Validate.
func Load(path string) (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays ENGINE_* variables and the conventional DSN variables.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dec := func(key string, dst *decimal.Decimal) {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ENGINE_LOG_LEVEL", &c.Log.Level)
	boolean("ENGINE_LOG_DEVELOPMENT", &c.Log.Development)
	str("ENGINE_HTTP_ADDR", &c.HTTP.Addr)

	str("ENGINE_STORAGE_BACKEND", &c.Storage.Backend)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("CLICKHOUSE_DSN", &c.Storage.ClickHouseDSN)

	boolean("ENGINE_EXCHANGE_PAPER", &c.Exchange.Paper)
	str("ENGINE_EXCHANGE_URL", &c.Exchange.BaseURL)
	str("ENGINE_EXCHANGE_API_KEY", &c.Exchange.APIKey)
	str("ENGINE_EXCHANGE_API_SECRET", &c.Exchange.APISecret)
	dur("ENGINE_EXCHANGE_TIMEOUT", &c.Exchange.Timeout)

	str("ENGINE_QUOTE_FEED_URL", &c.QuoteFeed.Endpoint)
	if v := os.Getenv("ENGINE_QUOTE_FEED_TOKENS"); v != "" {
		c.QuoteFeed.Tokens = splitAndTrim(v)
	}
	dur("ENGINE_QUOTE_MAX_AGE", &c.Quote.MaxAge)

	dur("ENGINE_IDEMPOTENCY_TTL", &c.Idempotency.TTL)
	dur("ENGINE_RECONCILE_INTERVAL", &c.Reconciliation.Interval)
	dec("ENGINE_AUTO_CORRECT_MAX_SHARES", &c.Reconciliation.AutoCorrectMaxShares)

	integer("ENGINE_DLQ_MAX_RETRIES", &c.DeadLetter.MaxRetries)
	dur("ENGINE_DLQ_BASE_BACKOFF", &c.DeadLetter.BaseBackoff)
	boolean("ENGINE_VALIDATE_ED25519", &c.Identity.ValidateEd25519)

	return errors.Join(errs...)
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want postgres or memory", c.Storage.Backend))
	}
	if !c.Exchange.Paper && c.Exchange.BaseURL == "" {
		errs = append(errs, errors.New("exchange.base_url is required unless exchange.paper is set"))
	}
	if c.Quote.MaxAge <= 0 {
		errs = append(errs, errors.New("quote.max_age must be positive"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Reconciliation.Interval <= 0 {
		errs = append(errs, errors.New("reconciliation.interval must be positive"))
	}
	if c.Reconciliation.AutoCorrectMaxShares.IsNegative() {
		errs = append(errs, errors.New("reconciliation.auto_correct_max_shares must not be negative"))
	}
	if c.DeadLetter.MaxRetries <= 0 {
		errs = append(errs, errors.New("dead_letter.max_retries must be positive"))
	}
	if c.DeadLetter.BaseBackoff <= 0 {
		errs = append(errs, errors.New("dead_letter.base_backoff must be positive"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
