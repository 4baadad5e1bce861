// FILE: main.go
// Package main – Program entrypoint.
//
// Boot sequence:
//   1) loadBotEnv()                – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) wire exchange, notifiers, rates, snapshot store and history archive
//   4) restore the saved snapshot, or apply the seed file on a fresh account
//   5) start the ops server (/healthz, /metrics, /tradesets, /history) on cfg.Port
//   6) run the Scheduler until SIGINT/SIGTERM, then save a final snapshot
//
// Flags:
//   -once <mode>   run a single pass (regular|candle|tax) and exit
//
// Example:
//   BROKER=paper CONFIG_FILE=seed.yaml go run .
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	var once string
	flag.StringVar(&once, "once", "", "Run a single pass (regular|candle|tax) and exit")
	flag.Parse()

	loadBotEnv()
	cfg := loadConfigFromEnv()
	logger := newLogger(cfg.Log)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.Level)

	if err := run(cfg, logger, once); err != nil {
		logger.Fatalf("%+v", err)
	}
}

func run(cfg Config, logger *logrus.Logger, once string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seed, err := loadSeedFile(cfg.SeedFile)
	if err != nil {
		return err
	}
	ex, err := newExchange(cfg, seed)
	if err != nil {
		return err
	}

	opts := []HandlerOption{
		WithLogger(logger),
		WithNotifier(newNotifier(cfg, logger)),
	}
	if cfg.StateFile != "" {
		opts = append(opts, WithStore(NewSnapshotStore(cfg.StateFile)))
	}
	if cfg.HistoryDB != "" {
		a, err := OpenHistoryArchive(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer a.Close()
		opts = append(opts, WithArchive(a))
	}
	h := NewTradeHandler(cfg.HandlerConfig(), ex, opts...)
	h.rates = newRateSource(cfg, h)

	if err := restoreOrSeed(ctx, h, seed); err != nil {
		return err
	}

	if once != "" {
		mode, err := parseMode(once)
		if err != nil {
			return err
		}
		return h.Update(ctx, mode)
	}

	srv := newHTTPServer(fmt.Sprintf(":%d", cfg.Port), h)
	go func() {
		logger.Infof("ops server on :%d (/healthz /metrics /tradesets /history)", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ops server stopped")
			cancel()
		}
	}()

	err = NewScheduler(h, cfg).Run(ctx)

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
	h.persist(shutdownCtx)
	return err
}

func newExchange(cfg Config, seed SeedFile) (Exchange, error) {
	switch cfg.Broker {
	case "binance":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set")
		}
		return NewBinanceExchange(cfg.APIKey, cfg.APISecret, cfg.Testnet), nil
	case "paper", "":
		p := NewPaperExchange()
		for _, m := range seed.Markets {
			coin, quote := splitSymbol(m.Symbol)
			p.AddMarket(Market{
				Symbol: m.Symbol, Base: coin, Quote: quote, Active: true,
				AmountStep: m.AmountStep, PriceTick: m.PriceTick, MinCost: m.MinCost,
				Maker: cfg.PaperFeeRate, Taker: cfg.PaperFeeRate,
			})
			if m.Price > 0 {
				p.SetPrice(m.Symbol, m.Price)
			}
		}
		for cur, v := range cfg.PaperBalances {
			p.SetBalance(cur, v)
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown BROKER %q", cfg.Broker)
	}
}

func newNotifier(cfg Config, logger *logrus.Logger) Notifier {
	log := logger.WithField("component", "notify")
	n := multiNotifier{logNotifier{log: log}}
	if cfg.SlackWebhook != "" {
		n = append(n, newSlackNotifier(cfg.SlackWebhook))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := newTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.WithError(err).Warn("telegram disabled")
		} else {
			n = append(n, tg)
		}
	}
	return n
}

func newRateSource(cfg Config, h *TradeHandler) RateSource {
	chain := rateChain{exchangeRates{h: h}}
	if cfg.RatesURL != "" {
		chain = append(chain, newHTTPRates(cfg.RatesURL, time.Hour))
	}
	return chain
}

// restoreOrSeed loads the saved snapshot; an account without one gets the seed.
func restoreOrSeed(ctx context.Context, h *TradeHandler, seed SeedFile) error {
	if h.store != nil {
		snap, ok, err := h.store.Load()
		if err != nil {
			return err
		}
		if ok {
			if snap.Exchange != h.cfg.Exchange || snap.Account != h.cfg.Account {
				return errors.Errorf("snapshot %s belongs to %s/%s, not %s/%s",
					h.store.Path(), snap.Exchange, snap.Account, h.cfg.Exchange, h.cfg.Account)
			}
			if err := h.Restore(snap); err != nil {
				return err
			}
			h.log.Infof("restored %d trade sets and %d history records", len(snap.TradeSets), len(snap.History))
			return nil
		}
	}
	if len(seed.TradeSets) == 0 {
		return nil
	}
	if err := h.applySeed(ctx, seed); err != nil {
		h.log.WithError(err).Warn("seed applied with errors")
	}
	return nil
}

func parseMode(s string) (UpdateMode, error) {
	switch s {
	case "regular":
		return UpdateRegular, nil
	case "candle":
		return UpdateDailyCandle, nil
	case "tax":
		return UpdateTaxWindow, nil
	}
	return 0, inputErr("unknown pass %q", s)
}
