// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// Config holds every knob of the process. It is read from the environment
// (hydrated from .env files by loadBotEnv, see env.go), so behavior can be
// tuned without rebuilding. The initial trade sets of a fresh account can be
// described in a YAML seed file (CONFIG_FILE).
//
// Typical flow (see main.go):
//   loadBotEnv()
//   cfg := loadConfigFromEnv()
//   seed, _ := loadSeedFile(cfg.SeedFile)
package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime knobs.
type Config struct {
	// Venue
	Broker    string // "paper" or "binance"
	Account   string
	APIKey    string
	APISecret string
	Testnet   bool

	// Ops
	Port      int
	StateFile string
	HistoryDB string
	SeedFile  string
	Log       LogConfig

	// Loop control
	UpdateInterval  time.Duration
	BalanceRefresh  time.Duration
	Debounce        time.Duration
	CandleCheckHour int // local hour of the daily candle pass
	TaxCheckHour    int // local hour of the tax-window pass

	// Resilience
	RetryBackoff   time.Duration
	NetworkRetries int
	SymbolRetries  int
	LockTimeout    time.Duration
	PriceTTL       time.Duration

	// Reporting
	ReportCurrencies []string
	RatesURL         string
	TaxWarnDays      int

	// Notifications
	SlackWebhook   string
	TelegramToken  string
	TelegramChatID int64

	// Paper venue
	PaperBalances map[string]float64
	PaperFeeRate  float64
}

// loadConfigFromEnv reads the process env and fills defaults for missing keys.
func loadConfigFromEnv() Config {
	cfg := Config{
		Broker:    strings.ToLower(getEnv("BROKER", "paper")),
		Account:   getEnv("ACCOUNT", "default"),
		APIKey:    getEnv("BINANCE_API_KEY", ""),
		APISecret: getEnv("BINANCE_API_SECRET", ""),
		Testnet:   getEnvBool("BINANCE_TESTNET", false),

		Port:      getEnvInt("PORT", 8080),
		StateFile: getEnv("STATE_FILE", "state/tradesets.json"),
		HistoryDB: getEnv("HISTORY_DB", ""),
		SeedFile:  getEnv("CONFIG_FILE", ""),
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},

		UpdateInterval:  getEnvSeconds("UPDATE_INTERVAL_SEC", 60*time.Second),
		BalanceRefresh:  getEnvSeconds("BALANCE_REFRESH_SEC", 300*time.Second),
		Debounce:        time.Duration(getEnvInt("DEBOUNCE_MS", 1000)) * time.Millisecond,
		CandleCheckHour: getEnvInt("CANDLE_CHECK_HOUR", 0),
		TaxCheckHour:    getEnvInt("TAX_CHECK_HOUR", 9),

		RetryBackoff:   time.Duration(getEnvInt("RETRY_BACKOFF_MS", 500)) * time.Millisecond,
		NetworkRetries: getEnvInt("NETWORK_RETRIES", 5),
		SymbolRetries:  getEnvInt("SYMBOL_RETRIES", 4),
		LockTimeout:    getEnvSeconds("LOCK_TIMEOUT_SEC", 60*time.Second),
		PriceTTL:       getEnvSeconds("PRICE_TTL_SEC", 5*time.Second),

		ReportCurrencies: getEnvList("REPORT_CURRENCIES", "USD,EUR"),
		RatesURL:         getEnv("RATES_URL", ""),
		TaxWarnDays:      getEnvInt("TAX_WARN_DAYS", 7),

		SlackWebhook:   getEnv("SLACK_WEBHOOK", ""),
		TelegramToken:  getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),

		PaperFeeRate: getEnvFloat("PAPER_FEE_RATE", 0.001),
	}
	cfg.PaperBalances = map[string]float64{}
	for _, kv := range getEnvList("PAPER_BALANCES", "USDT=10000") {
		cur, amt, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(amt), 64); err == nil && v > 0 {
			cfg.PaperBalances[strings.ToUpper(strings.TrimSpace(cur))] = v
		}
	}
	return cfg
}

// HandlerConfig derives the handler's knobs.
func (c Config) HandlerConfig() HandlerConfig {
	hc := DefaultHandlerConfig()
	hc.Exchange = c.Broker
	hc.Account = c.Account
	hc.RetryBackoff = c.RetryBackoff
	hc.NetworkRetries = c.NetworkRetries
	hc.SymbolRetries = c.SymbolRetries
	hc.PriceTTL = c.PriceTTL
	hc.LockTimeout = c.LockTimeout
	hc.Debounce = c.Debounce
	hc.TaxWarnWindow = time.Duration(c.TaxWarnDays) * 24 * time.Hour
	for i := 0; i < len(hc.ReportCurrencies) && i < len(c.ReportCurrencies); i++ {
		hc.ReportCurrencies[i] = strings.ToUpper(c.ReportCurrencies[i])
	}
	return hc
}

// ---- seed file ----

// SeedFile describes trade sets to create on an account with no saved state.
type SeedFile struct {
	Markets   []SeedMarket   `yaml:"markets"` // paper venue only
	TradeSets []SeedTradeSet `yaml:"trade_sets"`
}

type SeedMarket struct {
	Symbol     string  `yaml:"symbol"`
	Price      float64 `yaml:"price"`
	AmountStep float64 `yaml:"amount_step"`
	PriceTick  float64 `yaml:"price_tick"`
	MinCost    float64 `yaml:"min_cost"`
}

type SeedTradeSet struct {
	Symbol     string          `yaml:"symbol"`
	Name       string          `yaml:"name"`
	Init       *SeedInit       `yaml:"init"`
	Buys       []SeedLevel     `yaml:"buys"`
	Sells      []SeedLevel     `yaml:"sells"`
	StopLoss   *SeedStopLoss   `yaml:"stop_loss"`
	RegularBuy *SeedRegularBuy `yaml:"regular_buy"`
	Activate   bool            `yaml:"activate"`
}

type SeedInit struct {
	Amount float64 `yaml:"amount"`
	Price  float64 `yaml:"price"` // negative: cost unknown
}

type SeedLevel struct {
	Price       float64  `yaml:"price"`
	Amount      float64  `yaml:"amount"`
	CandleAbove *float64 `yaml:"candle_above"`
}

type SeedStopLoss struct {
	Kind   StopLossKind `yaml:"kind"`
	Value  float64      `yaml:"value"`
	Offset float64      `yaml:"offset"` // trailing only
	Trail  TrailKind    `yaml:"trail"`
}

type SeedRegularBuy struct {
	Amount   float64      `yaml:"amount"`
	Currency CurrencySide `yaml:"currency"`
	Style    OrderType    `yaml:"style"`
	Every    int          `yaml:"every"`
	Unit     IntervalUnit `yaml:"unit"`
}

// loadSeedFile parses path; an empty path yields an empty seed.
func loadSeedFile(path string) (SeedFile, error) {
	var s SeedFile
	if path == "" {
		return s, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "seed file")
	}
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return s, errors.Wrapf(err, "seed file %s", path)
	}
	return s, nil
}

// applySeed creates the seeded trade sets. A set whose setup fails is logged
// and left inactive; the rest are still created.
func (h *TradeHandler) applySeed(ctx context.Context, seed SeedFile) error {
	var firstErr error
	for _, st := range seed.TradeSets {
		if err := h.seedTradeSet(ctx, st); err != nil {
			h.log.WithError(err).Errorf("seed %s %s", st.Symbol, st.Name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *TradeHandler) seedTradeSet(ctx context.Context, st SeedTradeSet) error {
	ts, err := h.CreateTradeSet(ctx, st.Symbol, st.Name)
	if err != nil {
		return err
	}
	if st.Init != nil {
		if err := ts.AddInitCoins(ctx, st.Init.Price, st.Init.Amount); err != nil {
			return err
		}
	}
	for _, l := range st.Buys {
		if err := ts.AddBuyLevel(ctx, l.Price, l.Amount, l.CandleAbove); err != nil {
			return err
		}
	}
	for _, l := range st.Sells {
		if err := ts.AddSellLevel(ctx, l.Price, l.Amount); err != nil {
			return err
		}
	}
	if sl := st.StopLoss; sl != nil {
		if sl.Kind == StopLossTrailing {
			if err := ts.SetTrailingStopLoss(ctx, sl.Offset, sl.Trail); err != nil {
				return err
			}
		} else {
			warn, err := ts.SetStopLoss(ctx, sl.Kind, sl.Value)
			if err != nil {
				return err
			}
			if warn != "" {
				ts.log().Warn(warn)
			}
		}
	}
	if r := st.RegularBuy; r != nil {
		rb, err := NewRegularBuy(r.Amount, r.Currency, r.Style, Interval{N: r.Every, Unit: r.Unit}, h.now())
		if err != nil {
			return err
		}
		if err := ts.SetRegularBuy(ctx, rb); err != nil {
			return err
		}
	}
	if st.Activate {
		if _, err := ts.Activate(ctx, true); err != nil {
			return err
		}
	}
	return nil
}
