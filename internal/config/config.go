package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

const (
	EnvAPIKey        = "GRIDBOT_API_KEY"
	EnvAPISecret     = "GRIDBOT_API_SECRET"
	EnvTelegramToken = "GRIDBOT_TELEGRAM_TOKEN"
)

type Config struct {
	Mode            Mode                 `yaml:"mode"`
	OrderCurrency   string               `yaml:"order_currency"`
	PaymentCurrency string               `yaml:"payment_currency"`
	InstanceID      string               `yaml:"instance_id"`
	Trade           TradeConfig          `yaml:"trade"`
	History         HistoryConfig        `yaml:"history"`
	Exchange        ExchangeConfig       `yaml:"exchange"`
	Paper           PaperConfig          `yaml:"paper"`
	Backtest        BacktestConfig       `yaml:"backtest"`
	State           StateConfig          `yaml:"state"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability   ObservabilityConfig  `yaml:"observability"`
	Log             LogConfig            `yaml:"log"`
}

type TradeConfig struct {
	UnitTradeAmount         Decimal `yaml:"unit_trade_amount"`
	PollIntervalSec         int64   `yaml:"poll_interval_sec"`
	EarningRatePercent      Decimal `yaml:"earning_rate_percent"`
	SlotIntervalRatePercent Decimal `yaml:"slot_interval_rate_percent"`
	PriceQueueSize          int     `yaml:"price_queue_size"`
}

type HistoryConfig struct {
	PageSize      int   `yaml:"page_size"`
	MaxPages      int   `yaml:"max_pages"`
	LookbackHours int64 `yaml:"lookback_hours"`
}

type ExchangeConfig struct {
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	MutationIntervalSec int64  `yaml:"mutation_interval_sec"`
}

type PaperConfig struct {
	InitialKRW  Decimal `yaml:"initial_krw"`
	InitialCoin Decimal `yaml:"initial_coin"`
	FeeRate     Decimal `yaml:"fee_rate"`
	// LivePrices feeds the paper book from the public order book.
	LivePrices bool `yaml:"live_prices"`
}

type BacktestConfig struct {
	DataPath string `yaml:"data_path"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	HTTPAddr string         `yaml:"http_addr"`
	// AlertQueueSize bounds the async notification queue.
	AlertQueueSize int `yaml:"alert_queue_size"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	JSON       bool   `yaml:"json"`
}

// Load reads a single-document YAML file, then applies .env and environment
// overrides for secrets.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
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
	_ = godotenv.Load()
	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Observability.Telegram.BotToken = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.OrderCurrency = strings.ToUpper(strings.TrimSpace(c.OrderCurrency))
	c.PaymentCurrency = strings.ToUpper(strings.TrimSpace(c.PaymentCurrency))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Observability.HTTPAddr = strings.TrimSpace(c.Observability.HTTPAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.OrderCurrency == "" {
		c.OrderCurrency = "BTC"
	}
	if c.PaymentCurrency == "" {
		c.PaymentCurrency = "KRW"
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Trade.PollIntervalSec == 0 {
		c.Trade.PollIntervalSec = 60
	}
	if c.Trade.PriceQueueSize == 0 {
		c.Trade.PriceQueueSize = 60
	}
	if c.History.PageSize == 0 {
		c.History.PageSize = 15
	}
	if c.History.MaxPages == 0 {
		c.History.MaxPages = 5
	}
	if c.History.LookbackHours == 0 {
		c.History.LookbackHours = 24
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.bithumb.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://pubwss.bithumb.com/pub/ws"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.MutationIntervalSec == 0 {
		c.Exchange.MutationIntervalSec = 15
	}
	if c.Paper.FeeRate.Cmp(decimal.Zero) == 0 {
		c.Paper.FeeRate = Decimal{decimal.RequireFromString("0.0025")}
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 300
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Observability.AlertQueueSize == 0 {
		c.Observability.AlertQueueSize = 256
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 14
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be backtest, paper, or live")
	}
	if !isValidCurrency(c.OrderCurrency) || !isValidCurrency(c.PaymentCurrency) {
		return fmt.Errorf("order_currency/payment_currency must match [A-Z0-9], length 2..10")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Trade.UnitTradeAmount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trade.unit_trade_amount must be > 0")
	}
	if c.Trade.PollIntervalSec < 1 || c.Trade.PollIntervalSec > 86400 {
		return fmt.Errorf("trade.poll_interval_sec must be between 1 and 86400")
	}
	if c.Trade.EarningRatePercent.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trade.earning_rate_percent must be > 0")
	}
	if c.Trade.SlotIntervalRatePercent.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trade.slot_interval_rate_percent must be >= 0")
	}
	if c.Trade.PriceQueueSize < 2 {
		return fmt.Errorf("trade.price_queue_size must be >= 2")
	}
	if c.History.PageSize < 1 || c.History.PageSize > 100 {
		return fmt.Errorf("history.page_size must be between 1 and 100")
	}
	if c.History.MaxPages < 1 || c.History.MaxPages > 50 {
		return fmt.Errorf("history.max_pages must be between 1 and 50")
	}
	if c.History.LookbackHours < 1 {
		return fmt.Errorf("history.lookback_hours must be >= 1")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange.http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.MutationIntervalSec < 0 || c.Exchange.MutationIntervalSec > 600 {
		return fmt.Errorf("exchange.mutation_interval_sec must be between 0 and 600")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange.rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange.ws_base_url %v", err)
	}
	if c.Paper.FeeRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("paper.fee_rate must be >= 0")
	}
	if c.Paper.InitialKRW.Cmp(decimal.Zero) < 0 || c.Paper.InitialCoin.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("paper.initial_krw/initial_coin must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	if c.Observability.AlertQueueSize < 1 {
		return fmt.Errorf("observability.alert_queue_size must be >= 1")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Mode == ModeBacktest && c.Backtest.DataPath == "" {
		return fmt.Errorf("backtest.data_path is required")
	}
	if c.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key/api_secret are required for live mode")
	}
	return nil
}

// Pair renders the market symbol the exchange uses, e.g. BTC_KRW.
func (c Config) Pair() string {
	return c.OrderCurrency + "_" + c.PaymentCurrency
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

func isValidCurrency(v string) bool {
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
