// FILE: trader.go
// Package main – TradeHandler: one exchange account and all of its trade sets.
//
// What's here:
//   • HandlerConfig: the knobs a handler runs with (built from Config in main.go)
//   • TradeHandler: exchange binding, balance snapshot, down flag, trade sets, history
//   • Trade-set CRUD used by the ops server and the seed loader
//   • Snapshot/restore of the whole account
//
// Concurrency design:
//   - h.mu guards the collections and the balance snapshot; it is never held
//     across exchange I/O.
//   - Each trade set has its own FIFO lock (lock.go). Reconciliation takes it
//     per set; CRUD operations take it per call.
//   - passMu admits one reconciliation pass at a time (reconcile.go).
package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// HandlerConfig is the explicit configuration of one TradeHandler.
type HandlerConfig struct {
	Exchange string
	Account  string

	RetryBackoff   time.Duration
	NetworkRetries int
	SymbolRetries  int

	PriceTTL    time.Duration
	LockTimeout time.Duration
	Debounce    time.Duration

	ReportCurrencies [2]string
	HoldingPeriod    time.Duration
	TaxWarnWindow    time.Duration
}

// DefaultHandlerConfig returns production defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Exchange:         "paper",
		Account:          "default",
		RetryBackoff:     500 * time.Millisecond,
		NetworkRetries:   5,
		SymbolRetries:    4,
		PriceTTL:         5 * time.Second,
		LockTimeout:      60 * time.Second,
		Debounce:         time.Second,
		ReportCurrencies: [2]string{"USD", "EUR"},
		HoldingPeriod:    365 * 24 * time.Hour,
		TaxWarnWindow:    7 * 24 * time.Hour,
	}
}

// ErrExchangeDown is returned while a handler's circuit breaker is open.
var ErrExchangeDown = errors.New("exchange down")

// TradeHandler owns the exchange session and the trade sets of one account.
type TradeHandler struct {
	cfg      HandlerConfig
	ex       Exchange
	log      *logrus.Entry
	prices   *PriceCache
	notifier Notifier
	store    *SnapshotStore
	archive  *HistoryArchive
	rates    RateSource
	now      func() time.Time

	mu            sync.Mutex
	sets          map[string]*TradeSet
	order         []string
	history       []HistoryRecord
	balance       Balance
	reserved      map[string]float64
	authenticated bool
	lastUpdate    time.Time
	markets       map[string]Market

	passMu sync.Mutex
	down   atomic.Bool
}

// HandlerOption customizes a TradeHandler.
type HandlerOption func(*TradeHandler)

func WithLogger(l *logrus.Logger) HandlerOption {
	return func(h *TradeHandler) { h.log = l.WithFields(logrus.Fields{}) }
}
func WithNotifier(n Notifier) HandlerOption        { return func(h *TradeHandler) { h.notifier = n } }
func WithStore(s *SnapshotStore) HandlerOption     { return func(h *TradeHandler) { h.store = s } }
func WithArchive(a *HistoryArchive) HandlerOption  { return func(h *TradeHandler) { h.archive = a } }
func WithRates(r RateSource) HandlerOption         { return func(h *TradeHandler) { h.rates = r } }
func WithClock(now func() time.Time) HandlerOption { return func(h *TradeHandler) { h.now = now } }

func NewTradeHandler(cfg HandlerConfig, ex Exchange, opts ...HandlerOption) *TradeHandler {
	h := &TradeHandler{
		cfg:      cfg,
		ex:       ex,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		sets:     map[string]*TradeSet{},
		reserved: map[string]float64{},
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.WithFields(logrus.Fields{"exchange": cfg.Exchange, "account": cfg.Account})
	h.prices = NewPriceCache(cfg.PriceTTL, h.now)
	if h.notifier == nil {
		h.notifier = logNotifier{log: h.log}
	}
	if h.rates == nil {
		h.rates = exchangeRates{h: h}
	}
	return h
}

// ---- exchange binding ----

func (h *TradeHandler) IsDown() bool { return h.down.Load() }

func (h *TradeHandler) markDown(err error) {
	if !h.down.Swap(true) {
		h.log.WithError(err).Error("exchange marked down")
		SetDownMetric(h.cfg.Exchange, true)
	}
}

func (h *TradeHandler) markUp() {
	if h.down.Swap(false) {
		h.log.Info("exchange recovered")
		SetDownMetric(h.cfg.Exchange, false)
	}
}

// Authenticated reports whether a balance fetch has succeeded.
func (h *TradeHandler) Authenticated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authenticated
}

// market returns the trading rules of symbol, loading markets on first use.
func (h *TradeHandler) market(ctx context.Context, symbol string) (Market, error) {
	h.mu.Lock()
	m, ok := h.markets[symbol]
	loaded := h.markets != nil
	h.mu.Unlock()
	if ok {
		return m, nil
	}
	if !loaded {
		ms, err := SafeRun(ctx, h, func(ctx context.Context, ex Exchange) (map[string]Market, error) {
			return ex.LoadMarkets(ctx, false)
		})
		if err != nil {
			return Market{}, err
		}
		h.mu.Lock()
		h.markets = ms
		m, ok = ms[symbol]
		h.mu.Unlock()
		if ok {
			return m, nil
		}
	}
	return Market{}, inputErr("unknown pair %s on %s", symbol, h.ex.Name())
}

func (h *TradeHandler) invalidateMarkets() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markets = nil
}

// RefreshBalance fetches the account balance and resets per-pass reservations.
func (h *TradeHandler) RefreshBalance(ctx context.Context) (Balance, error) {
	b, err := SafeRun(ctx, h, func(ctx context.Context, ex Exchange) (Balance, error) {
		return ex.FetchBalance(ctx)
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balance = b
	h.reserved = map[string]float64{}
	h.authenticated = true
	return b, nil
}

// refreshBalanceIdle refreshes the balance unless a pass is running; a pass
// owns the snapshot and its reservations. It reports whether the refresh ran.
func (h *TradeHandler) refreshBalanceIdle(ctx context.Context) (bool, error) {
	if !h.passMu.TryLock() {
		return false, nil
	}
	defer h.passMu.Unlock()
	_, err := h.RefreshBalance(ctx)
	return err == nil, err
}

// Balance returns the last balance snapshot.
func (h *TradeHandler) Balance() Balance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.Assign(Balance{}, h.balance)
}

// freeBalance reads the snapshot, fetching it when there is none yet.
func (h *TradeHandler) freeBalance(ctx context.Context, currency string) (float64, error) {
	h.mu.Lock()
	b := h.balance
	h.mu.Unlock()
	if b == nil {
		var err error
		if b, err = h.RefreshBalance(ctx); err != nil {
			return 0, err
		}
	}
	return b.Free(currency), nil
}

// reserve claims amount of currency from the snapshot for this pass.
func (h *TradeHandler) reserve(currency string, amount float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance.Free(currency)-h.reserved[currency]+amountEps < amount {
		return false
	}
	h.reserved[currency] += amount
	return true
}

func (h *TradeHandler) notify(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := h.notifier.Notify(ctx, msg); err != nil {
		h.log.WithError(err).Warn("notification failed")
	}
}

// ---- trade-set CRUD ----

// CreateTradeSet adds a virgin, inactive trade set for symbol.
func (h *TradeHandler) CreateTradeSet(ctx context.Context, symbol, name string) (*TradeSet, error) {
	m, err := h.market(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ts := newTradeSet(h, symbol, name)
	ts.Coin, ts.Base = m.Base, m.Quote
	h.mu.Lock()
	h.sets[ts.ID] = ts
	h.order = append(h.order, ts.ID)
	h.mu.Unlock()
	ts.log().Info("trade set created")
	h.persist(ctx)
	return ts, nil
}

// TradeSet looks up a trade set by id.
func (h *TradeHandler) TradeSet(id string) (*TradeSet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.sets[id]
	return ts, ok
}

// TradeSets lists trade sets in creation order.
func (h *TradeHandler) TradeSets() []*TradeSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.FilterMap(h.order, func(id string, _ int) (*TradeSet, bool) {
		ts, ok := h.sets[id]
		return ts, ok
	})
}

// DeleteTradeSet removes a trade set on user request. With sellAll the holdings
// are liquidated first; a liquidation that is still pending keeps the set alive
// until reconciliation settles and archives it.
func (h *TradeHandler) DeleteTradeSet(ctx context.Context, id string, sellAll bool) error {
	ts, ok := h.TradeSet(id)
	if !ok {
		return inputErr("no trade set %s", id)
	}
	archive := false
	err := ts.with(ctx, func() error {
		if sellAll {
			settled, err := ts.sellAllNowLocked(ctx, nil)
			if err != nil {
				return err
			}
			if !settled {
				return refused("delete", "liquidation of %s is pending, the set is removed once it fills", ts.Symbol)
			}
			archive = true
			return nil
		}
		return ts.deactivateLocked(ctx, CancelKeep)
	})
	if err != nil {
		h.persist(ctx)
		return err
	}
	if archive {
		h.archiveAndRemove(ctx, ts)
	} else {
		h.remove(ts.ID)
		ts.log().Info("trade set deleted")
	}
	h.persist(ctx)
	return nil
}

func (h *TradeHandler) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sets, id)
	h.order = lo.Without(h.order, id)
}

func (h *TradeHandler) activeCount() int {
	return lo.CountBy(h.TradeSets(), func(ts *TradeSet) bool {
		n := 0
		_ = ts.with(context.Background(), func() error {
			if ts.Active {
				n = 1
			}
			return nil
		})
		return n == 1
	})
}

// ---- snapshots ----

// HandlerSnapshot is everything persisted for one (exchange, account).
type HandlerSnapshot struct {
	Exchange  string             `json:"exchange"`
	Account   string             `json:"account"`
	TradeSets []TradeSetSnapshot `json:"trade_sets"`
	History   []HistoryRecord    `json:"history"`
	SavedAt   time.Time          `json:"saved_at"`
}

// Snapshot copies every trade set under its own lock.
func (h *TradeHandler) Snapshot(ctx context.Context) (HandlerSnapshot, error) {
	snap := HandlerSnapshot{Exchange: h.cfg.Exchange, Account: h.cfg.Account, SavedAt: h.now().UTC()}
	for _, ts := range h.TradeSets() {
		s, err := ts.Snapshot(ctx)
		if err != nil {
			return HandlerSnapshot{}, err
		}
		snap.TradeSets = append(snap.TradeSets, s)
	}
	snap.History = h.History()
	return snap, nil
}

// Restore replaces all trade sets and history from snap without exchange calls.
func (h *TradeHandler) Restore(snap HandlerSnapshot) error {
	sets := make(map[string]*TradeSet, len(snap.TradeSets))
	order := make([]string, 0, len(snap.TradeSets))
	for _, s := range snap.TradeSets {
		ts, err := restoreTradeSet(h, s)
		if err != nil {
			return errors.Wrap(err, "restore")
		}
		sets[ts.ID] = ts
		order = append(order, ts.ID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sets, h.order = sets, order
	h.history = append([]HistoryRecord(nil), snap.History...)
	return nil
}

// persist saves a snapshot when a store is configured. Errors are logged.
func (h *TradeHandler) persist(ctx context.Context) {
	if h.store == nil {
		return
	}
	snap, err := h.Snapshot(ctx)
	if err != nil {
		h.log.WithError(err).Warn("snapshot failed")
		return
	}
	if err := h.store.Save(snap); err != nil {
		h.log.WithError(err).Error("snapshot save failed")
	}
}
