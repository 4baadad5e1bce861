// FILE: tradeset.go
// Package main – Trade set model, ladder aggregates and snapshots.
//
// A TradeSet is the trading intent for one pair: a buy ladder, a sell ladder,
// optional stop-loss and regular-buy policies, and holdings brought in from
// outside. Mutations go through the methods in tradeset_ops.go, which take the
// set's lock; the *Locked helpers assume the caller already holds it.
package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// orderFilled is the order id sentinel of a completed ladder entry.
const orderFilled = "filled"

// amountEps absorbs float noise when comparing coin amounts.
const amountEps = 1e-9

// LadderEntry is one buy or sell level.
// OrderID moves "" -> exchange id -> "filled", or exchange id -> "" on a cancel without fill.
type LadderEntry struct {
	OrderID        string    `json:"order_id,omitempty"`
	Price          float64   `json:"price"`
	Amount         float64   `json:"amount"`
	AmountAdjusted float64   `json:"amount_adjusted"`
	CandleAbove    *float64  `json:"candle_above,omitempty"`
	FeeQuote       float64   `json:"fee_quote,omitempty"`
	FilledAt       time.Time `json:"filled_at"`
	TaxWarned      bool      `json:"tax_warned,omitempty"`
}

func (e *LadderEntry) Filled() bool       { return e.OrderID == orderFilled }
func (e *LadderEntry) Open() bool         { return e.OrderID != "" && e.OrderID != orderFilled }
func (e *LadderEntry) NotInitiated() bool { return e.OrderID == "" }

// EntryFilter selects ladder entries by order state.
type EntryFilter int

const (
	FilterAll EntryFilter = iota
	FilterFilled
	FilterOpen
	FilterNotInitiated
	FilterNotFilled
)

func (f EntryFilter) match(e *LadderEntry) bool {
	switch f {
	case FilterFilled:
		return e.Filled()
	case FilterOpen:
		return e.Open()
	case FilterNotInitiated:
		return e.NotInitiated()
	case FilterNotFilled:
		return !e.Filled()
	default:
		return true
	}
}

func selectEntries(es []*LadderEntry, f EntryFilter) []*LadderEntry {
	return lo.Filter(es, func(e *LadderEntry, _ int) bool { return f.match(e) })
}

func countEntries(es []*LadderEntry, f EntryFilter) int {
	return lo.CountBy(es, f.match)
}

// sumAmount sums requested (or fee-adjusted) amounts of matching entries.
func sumAmount(es []*LadderEntry, f EntryFilter, adjusted bool) float64 {
	return lo.SumBy(selectEntries(es, f), func(e *LadderEntry) float64 {
		if adjusted {
			return e.AmountAdjusted
		}
		return e.Amount
	})
}

// sumCost sums price*amount of matching entries.
func sumCost(es []*LadderEntry, f EntryFilter) float64 {
	return lo.SumBy(selectEntries(es, f), func(e *LadderEntry) float64 { return e.Price * e.Amount })
}

func sumFees(es []*LadderEntry, f EntryFilter) float64 {
	return lo.SumBy(selectEntries(es, f), func(e *LadderEntry) float64 { return e.FeeQuote })
}

func minPrice(es []*LadderEntry, f EntryFilter) (float64, bool) {
	sel := selectEntries(es, f)
	if len(sel) == 0 {
		return 0, false
	}
	return lo.MinBy(sel, func(a, b *LadderEntry) bool { return a.Price < b.Price }).Price, true
}

func maxPrice(es []*LadderEntry, f EntryFilter) (float64, bool) {
	sel := selectEntries(es, f)
	if len(sel) == 0 {
		return 0, false
	}
	return lo.MaxBy(sel, func(a, b *LadderEntry) bool { return a.Price > b.Price }).Price, true
}

// TradeSet is the per-pair state machine.
type TradeSet struct {
	ID     string
	Name   string
	Symbol string
	Coin   string
	Base   string

	Buys  []*LadderEntry
	Sells []*LadderEntry

	InitAmount float64
	InitPrice  *float64 // nil: cost unknown

	StopLoss   StopLoss
	RegularBuy *RegularBuy

	Virgin     bool
	Active     bool
	ShowFilled bool
	CreatedAt  time.Time

	h          *TradeHandler
	lk         *setLock
	liquidated bool
}

func newTradeSet(h *TradeHandler, symbol, name string) *TradeSet {
	coin, base := splitSymbol(symbol)
	return &TradeSet{
		ID:        uuid.NewString(),
		Name:      name,
		Symbol:    symbol,
		Coin:      coin,
		Base:      base,
		Virgin:    true,
		CreatedAt: h.now(),
		h:         h,
		lk:        newSetLock(h.cfg.LockTimeout),
	}
}

func (ts *TradeSet) log() *logrus.Entry {
	return ts.h.log.WithFields(logrus.Fields{"tradeset": ts.ID, "symbol": ts.Symbol})
}

// with runs fn while holding the set's lock.
func (ts *TradeSet) with(ctx context.Context, fn func() error) error {
	release, err := ts.lk.acquire(ctx, ts.log())
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// mutate is with() followed by a snapshot save once the lock is released.
func (ts *TradeSet) mutate(ctx context.Context, fn func() error) error {
	err := ts.with(ctx, fn)
	ts.h.persist(ctx)
	return err
}

// ---- derived aggregates (caller holds the lock) ----

// initCost is the cost of initial holdings, zero when unknown.
func (ts *TradeSet) initCost() float64 {
	if ts.InitPrice == nil {
		return 0
	}
	return *ts.InitPrice * ts.InitAmount
}

// Holdings is the coin the set owns: initial + bought (after fees) - sold.
func (ts *TradeSet) Holdings() float64 {
	return ts.InitAmount + sumAmount(ts.Buys, FilterFilled, true) - sumAmount(ts.Sells, FilterFilled, false)
}

// coinsFree is Holdings minus what open sell orders already commit.
func (ts *TradeSet) coinsFree() float64 {
	return ts.Holdings() - sumAmount(ts.Sells, FilterOpen, false)
}

// CostIn is the realized quote spent: filled buys, quote fees and known initial cost.
func (ts *TradeSet) CostIn() float64 {
	return sumCost(ts.Buys, FilterFilled) + sumFees(ts.Buys, FilterFilled) + ts.initCost()
}

// Proceeds is the realized quote received from filled sells, net of quote fees.
func (ts *TradeSet) Proceeds() float64 {
	return sumCost(ts.Sells, FilterFilled) - sumFees(ts.Sells, FilterFilled)
}

// ProfitEstimate projects the result if every level fills.
func (ts *TradeSet) ProfitEstimate() float64 {
	return sumCost(ts.Sells, FilterAll) - sumCost(ts.Buys, FilterAll) - ts.initCost()
}

// BreakEvenPrice is the sell price of the remaining holdings that recovers the
// realized net cost after a taker fee. ok is false when nothing is left to sell.
func (ts *TradeSet) BreakEvenPrice(taker float64) (price float64, ok bool) {
	remaining := ts.Holdings()
	if remaining <= amountEps {
		return 0, false
	}
	return (ts.CostIn() - ts.Proceeds()) / (remaining * (1 - taker)), true
}

func (ts *TradeSet) ladder(side OrderSide) *[]*LadderEntry {
	if side == SideBuy {
		return &ts.Buys
	}
	return &ts.Sells
}

// adjustedAmount is amount minus the fee when the fee is charged in coin.
func adjustedAmount(fee Fee, coin string, amount float64) float64 {
	if fee.Currency == coin {
		return math.Max(amount-fee.Cost, 0)
	}
	return amount
}

// RefusedError reports an operation declined because a precondition is unmet.
type RefusedError struct {
	Op     string
	Reason string
}

func (e *RefusedError) Error() string { return fmt.Sprintf("%s refused: %s", e.Op, e.Reason) }

func refused(op, format string, args ...any) *RefusedError {
	return &RefusedError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ---- snapshots ----

// TradeSetSnapshot is the persisted form of a trade set.
type TradeSetSnapshot struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Symbol     string            `json:"symbol"`
	Coin       string            `json:"coin"`
	Base       string            `json:"base"`
	Buys       []LadderEntry     `json:"buys"`
	Sells      []LadderEntry     `json:"sells"`
	InitAmount float64           `json:"init_amount"`
	InitPrice  *float64          `json:"init_price,omitempty"`
	StopLoss   *StopLossSnapshot `json:"stop_loss,omitempty"`
	RegularBuy *RegularBuy       `json:"regular_buy,omitempty"`
	Virgin     bool              `json:"virgin"`
	Active     bool              `json:"active"`
	ShowFilled bool              `json:"show_filled"`
	Liquidated bool              `json:"liquidated,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func copyEntries(es []*LadderEntry) []LadderEntry {
	return lo.Map(es, func(e *LadderEntry, _ int) LadderEntry {
		cp := *e
		if e.CandleAbove != nil {
			cp.CandleAbove = lo.ToPtr(*e.CandleAbove)
		}
		return cp
	})
}

// snapshotLocked copies the set's state; caller holds the lock.
func (ts *TradeSet) snapshotLocked() TradeSetSnapshot {
	s := TradeSetSnapshot{
		ID:         ts.ID,
		Name:       ts.Name,
		Symbol:     ts.Symbol,
		Coin:       ts.Coin,
		Base:       ts.Base,
		Buys:       copyEntries(ts.Buys),
		Sells:      copyEntries(ts.Sells),
		InitAmount: ts.InitAmount,
		StopLoss:   snapshotStopLoss(ts.StopLoss),
		Virgin:     ts.Virgin,
		Active:     ts.Active,
		ShowFilled: ts.ShowFilled,
		Liquidated: ts.liquidated,
		CreatedAt:  ts.CreatedAt,
	}
	if ts.InitPrice != nil {
		s.InitPrice = lo.ToPtr(*ts.InitPrice)
	}
	if ts.RegularBuy != nil {
		rb := *ts.RegularBuy
		s.RegularBuy = &rb
	}
	return s
}

// Snapshot takes the lock and copies the set's state.
func (ts *TradeSet) Snapshot(ctx context.Context) (TradeSetSnapshot, error) {
	var s TradeSetSnapshot
	err := ts.with(ctx, func() error {
		s = ts.snapshotLocked()
		return nil
	})
	return s, err
}

// restoreTradeSet rebuilds a trade set from its snapshot. It makes no exchange calls.
func restoreTradeSet(h *TradeHandler, s TradeSetSnapshot) (*TradeSet, error) {
	if s.ID == "" || s.Symbol == "" {
		return nil, fmt.Errorf("trade set snapshot without id or symbol")
	}
	sl, err := restoreStopLoss(s.StopLoss)
	if err != nil {
		return nil, fmt.Errorf("trade set %s: %w", s.ID, err)
	}
	toPtrs := func(es []LadderEntry) []*LadderEntry {
		return lo.Map(copyEntries(lo.ToSlicePtr(es)), func(e LadderEntry, _ int) *LadderEntry { return &e })
	}
	ts := &TradeSet{
		ID:         s.ID,
		Name:       s.Name,
		Symbol:     s.Symbol,
		Coin:       s.Coin,
		Base:       s.Base,
		Buys:       toPtrs(s.Buys),
		Sells:      toPtrs(s.Sells),
		InitAmount: s.InitAmount,
		StopLoss:   sl,
		Virgin:     s.Virgin,
		Active:     s.Active,
		ShowFilled: s.ShowFilled,
		CreatedAt:  s.CreatedAt,
		h:          h,
		lk:         newSetLock(h.cfg.LockTimeout),
		liquidated: s.Liquidated,
	}
	if s.InitPrice != nil {
		ts.InitPrice = lo.ToPtr(*s.InitPrice)
	}
	if s.RegularBuy != nil {
		rb := *s.RegularBuy
		if err := rb.validate(); err != nil {
			return nil, fmt.Errorf("trade set %s: %w", s.ID, err)
		}
		ts.RegularBuy = &rb
	}
	return ts, nil
}
