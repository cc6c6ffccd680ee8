package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nonkyc-bot/internal/core"
)

// Environment variables that override file-level credentials. Keeping
// secrets out of the YAML file entirely is the recommended deployment.
const (
	EnvAPIKey    = "NONKYC_API_KEY"
	EnvAPISecret = "NONKYC_API_SECRET"
)

type Config struct {
	Symbol     string         `yaml:"symbol"`
	InstanceID string         `yaml:"instance_id"`
	Exchange   ExchangeConfig `yaml:"exchange"`
	Risk       RiskConfig     `yaml:"risk"`
	State      StateConfig    `yaml:"state"`
	Logging    LoggingConfig  `yaml:"logging"`
	Alerts     AlertsConfig   `yaml:"alerts"`
}

type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`

	// VerifySSL defaults to true. Turning it off additionally requires
	// InsecureSkipVerifyAck so a stray "verify_ssl: false" cannot
	// silently disable certificate checks.
	VerifySSL             *bool `yaml:"verify_ssl"`
	InsecureSkipVerifyAck bool  `yaml:"insecure_skip_verify_ack"`

	DebugAuth              bool     `yaml:"debug_auth"`
	MaxRetries             int      `yaml:"max_retries"`
	BackoffBaseMs          int64    `yaml:"backoff_base_ms"`
	BackoffMaxMs           int64    `yaml:"backoff_max_ms"`
	RateLimitPerSec        float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst         int      `yaml:"rate_limit_burst"`
	HTTPTimeoutSec         int64    `yaml:"http_timeout_sec"`
	WSChannels             []string `yaml:"ws_channels"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
}

type RiskConfig struct {
	MaxPosition   Decimal `yaml:"max_position"`
	MaxOrderValue Decimal `yaml:"max_order_value"`
	MaxOpenOrders int     `yaml:"max_open_orders"`
	MinOrderQty   Decimal `yaml:"min_order_quantity"`
}

type StateConfig struct {
	Dir                 string `yaml:"dir"`
	SnapshotIntervalSec int64  `yaml:"snapshot_interval_sec"`
	LockTakeover        *bool  `yaml:"lock_takeover"`
	LockStaleSec        int64  `yaml:"lock_stale_sec"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AlertsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	APIBaseURL     string `yaml:"api_base_url"`
	TimeoutSec     int64  `yaml:"timeout_sec"`
}

var validChannels = map[string]struct{}{
	"orders":   {},
	"balances": {},
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Exchange.APISecret = v
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.BaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.BaseURL), "/")
	c.Exchange.WSURL = strings.TrimRight(strings.TrimSpace(c.Exchange.WSURL), "/")
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	c.Alerts.TelegramToken = strings.TrimSpace(c.Alerts.TelegramToken)
	c.Alerts.TelegramChatID = strings.TrimSpace(c.Alerts.TelegramChatID)
	c.Alerts.APIBaseURL = strings.TrimSpace(c.Alerts.APIBaseURL)

	seen := make(map[string]struct{}, len(c.Exchange.WSChannels))
	channels := c.Exchange.WSChannels[:0]
	for _, ch := range c.Exchange.WSChannels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	c.Exchange.WSChannels = channels
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://api.nonkyc.io/api/v2"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://api.nonkyc.io"
	}
	if c.Exchange.VerifySSL == nil {
		verify := true
		c.Exchange.VerifySSL = &verify
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.BackoffBaseMs == 0 {
		c.Exchange.BackoffBaseMs = 250
	}
	if c.Exchange.BackoffMaxMs == 0 {
		c.Exchange.BackoffMaxMs = 10000
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 5
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 10
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if len(c.Exchange.WSChannels) == 0 {
		c.Exchange.WSChannels = []string{"orders", "balances"}
	}
	if c.Exchange.MaxConsecutiveFailures == 0 {
		c.Exchange.MaxConsecutiveFailures = 5
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.SnapshotIntervalSec == 0 {
		c.State.SnapshotIntervalSec = 30
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
	if c.Alerts.APIBaseURL == "" {
		c.Alerts.APIBaseURL = "https://api.telegram.org"
	}
	if c.Alerts.TimeoutSec == 0 {
		c.Alerts.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must be BASE/QUOTE with [A-Z0-9] parts, e.g. BTC/USDT")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required (file or %s/%s)", EnvAPIKey, EnvAPISecret)
	}
	if err := validateURL(c.Exchange.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_url %v", err)
	}
	if !*c.Exchange.VerifySSL && !c.Exchange.InsecureSkipVerifyAck {
		return fmt.Errorf("exchange verify_ssl: false also requires insecure_skip_verify_ack: true")
	}
	if c.Exchange.MaxRetries < 0 || c.Exchange.MaxRetries > 10 {
		return fmt.Errorf("exchange max_retries must be between 0 and 10")
	}
	if c.Exchange.BackoffBaseMs < 1 || c.Exchange.BackoffBaseMs > 60000 {
		return fmt.Errorf("exchange backoff_base_ms must be between 1 and 60000")
	}
	if c.Exchange.BackoffMaxMs < c.Exchange.BackoffBaseMs || c.Exchange.BackoffMaxMs > 300000 {
		return fmt.Errorf("exchange backoff_max_ms must be between backoff_base_ms and 300000")
	}
	if c.Exchange.RateLimitPerSec < 0 || c.Exchange.RateLimitPerSec > 100 {
		return fmt.Errorf("exchange rate_limit_per_sec must be between 0 and 100")
	}
	if c.Exchange.RateLimitBurst < 1 || c.Exchange.RateLimitBurst > 100 {
		return fmt.Errorf("exchange rate_limit_burst must be between 1 and 100")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	for _, ch := range c.Exchange.WSChannels {
		if _, ok := validChannels[ch]; !ok {
			return fmt.Errorf("exchange ws_channels entry %q must be orders or balances", ch)
		}
	}
	if c.Exchange.MaxConsecutiveFailures < 1 || c.Exchange.MaxConsecutiveFailures > 100 {
		return fmt.Errorf("exchange max_consecutive_failures must be between 1 and 100")
	}
	if c.Risk.MaxPosition.IsNegative() {
		return fmt.Errorf("risk max_position must be >= 0")
	}
	if c.Risk.MaxOrderValue.IsNegative() {
		return fmt.Errorf("risk max_order_value must be >= 0")
	}
	if c.Risk.MaxOpenOrders < 0 {
		return fmt.Errorf("risk max_open_orders must be >= 0")
	}
	if c.Risk.MinOrderQty.IsNegative() {
		return fmt.Errorf("risk min_order_quantity must be >= 0")
	}
	if c.State.SnapshotIntervalSec < 0 || c.State.SnapshotIntervalSec > 3600 {
		return fmt.Errorf("state snapshot_interval_sec must be between 0 and 3600")
	}
	if c.State.SnapshotIntervalSec > 0 && c.State.SnapshotIntervalSec < 5 {
		return fmt.Errorf("state snapshot_interval_sec must be 0 or >= 5")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state lock_stale_sec must be between 0 and 86400")
	}
	if c.Alerts.Enabled {
		if c.Alerts.TelegramToken == "" {
			return fmt.Errorf("alerts telegram_token is required when alerts enabled")
		}
		if c.Alerts.TelegramChatID == "" {
			return fmt.Errorf("alerts telegram_chat_id is required when alerts enabled")
		}
		if c.Alerts.TimeoutSec < 1 || c.Alerts.TimeoutSec > 120 {
			return fmt.Errorf("alerts timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Alerts.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("alerts api_base_url %v", err)
		}
	}
	return nil
}

// RiskLimits converts the risk block into the engine's limit set.
func (c Config) RiskLimits() core.RiskLimits {
	return core.RiskLimits{
		MaxPosition:   c.Risk.MaxPosition.Decimal,
		MaxOrderValue: c.Risk.MaxOrderValue.Decimal,
		MaxOpenOrders: c.Risk.MaxOpenOrders,
		MinOrderQty:   c.Risk.MinOrderQty.Decimal,
	}
}

// Map renders the config as a generic key tree for snapshot embedding.
// Callers filter sensitive keys before persisting.
func (c Config) Map() (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e ExchangeConfig) SkipTLSVerify() bool {
	return e.VerifySSL != nil && !*e.VerifySSL && e.InsecureSkipVerifyAck
}

func (e ExchangeConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMs) * time.Millisecond
}

func (e ExchangeConfig) BackoffMax() time.Duration {
	return time.Duration(e.BackoffMaxMs) * time.Millisecond
}

func (e ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(e.HTTPTimeoutSec) * time.Second
}

func (s StateConfig) SnapshotInterval() time.Duration {
	return time.Duration(s.SnapshotIntervalSec) * time.Second
}

func (s StateConfig) LockStale() time.Duration {
	return time.Duration(s.LockStaleSec) * time.Second
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isValidSymbol accepts the exchange's BASE/QUOTE notation, e.g. BTC/USDT.
func isValidSymbol(v string) bool {
	base, quote, ok := strings.Cut(v, "/")
	if !ok {
		return false
	}
	return isValidAsset(base) && isValidAsset(quote)
}

func isValidAsset(v string) bool {
	if len(v) < 2 || len(v) > 10 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
