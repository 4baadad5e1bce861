// FILE: reconcile.go
// Package main – The reconciliation pass.
//
// Update(mode) brings every trade set of a handler in line with the exchange:
//
//   1) regular passes closer than Debounce to the previous one are skipped
//   2) while down, a market reload probes the exchange; failure aborts the pass
//   3) the balance snapshot is refreshed once
//   4) each set is reconciled under its own lock; one set's error is logged and
//      the pass moves on, unless the handler went down, which aborts it
//   5) sets that completed are archived and removed after all locks are released
//
// The tax-window pass only looks at cached state and makes no exchange calls.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// UpdateMode selects what a pass does.
type UpdateMode int

const (
	UpdateRegular     UpdateMode = iota // stop-loss, regular buy, ladder orders
	UpdateDailyCandle                   // candle-triggered buy levels only
	UpdateTaxWindow                     // one-year holding warnings only
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateDailyCandle:
		return "candle"
	case UpdateTaxWindow:
		return "tax"
	default:
		return "regular"
	}
}

// Update runs one reconciliation pass.
func (h *TradeHandler) Update(ctx context.Context, mode UpdateMode) error {
	if mode == UpdateRegular {
		if !h.passMu.TryLock() {
			IncPass(mode, "skipped")
			return nil
		}
	} else {
		h.passMu.Lock()
	}
	defer h.passMu.Unlock()

	if mode == UpdateRegular {
		h.mu.Lock()
		now := h.now()
		if !h.lastUpdate.IsZero() && now.Sub(h.lastUpdate) < h.cfg.Debounce {
			h.mu.Unlock()
			IncPass(mode, "skipped")
			return nil
		}
		h.lastUpdate = now
		h.mu.Unlock()
	}

	if mode != UpdateTaxWindow {
		if h.IsDown() {
			if _, err := SafeRun(ctx, h, func(ctx context.Context, ex Exchange) (map[string]Market, error) {
				return ex.LoadMarkets(ctx, true)
			}, Quiet()); err != nil {
				IncPass(mode, "down")
				return errors.Wrap(ErrExchangeDown, err.Error())
			}
			h.invalidateMarkets()
		}
		if _, err := h.RefreshBalance(ctx); err != nil {
			IncPass(mode, "error")
			if errors.Is(err, ErrAuthentication) || errorMentions(err, "key") {
				h.notify(ctx, "%s/%s: balance refresh rejected: %v", h.cfg.Exchange, h.cfg.Account, err)
				return err
			}
			h.markDown(err)
			return errors.Wrap(ErrExchangeDown, err.Error())
		}
	}

	var (
		done   []*TradeSet
		failed int
	)
	for _, ts := range h.TradeSets() {
		del, err := ts.reconcile(ctx, mode)
		if err != nil {
			failed++
			ts.log().WithError(err).Error("reconcile failed")
			if h.IsDown() {
				IncPass(mode, "down")
				return errors.Wrap(ErrExchangeDown, err.Error())
			}
			continue
		}
		if del {
			done = append(done, ts)
		}
	}
	for _, ts := range done {
		h.archiveAndRemove(ctx, ts)
	}

	SetActiveMetric(h.cfg.Exchange, h.activeCount())
	h.persist(ctx)
	if failed > 0 {
		IncPass(mode, "error")
	} else {
		IncPass(mode, "ok")
	}
	return nil
}

// reconcile runs one pass over ts under its lock; del reports completion.
func (ts *TradeSet) reconcile(ctx context.Context, mode UpdateMode) (del bool, err error) {
	err = ts.with(ctx, func() error {
		var e error
		del, e = ts.reconcileLocked(ctx, mode)
		return e
	})
	return del, err
}

func (ts *TradeSet) reconcileLocked(ctx context.Context, mode UpdateMode) (bool, error) {
	switch mode {
	case UpdateTaxWindow:
		ts.checkHoldingPeriod(ctx)
		return false, nil
	case UpdateDailyCandle:
		if !ts.Active {
			return false, nil
		}
		return false, ts.fireCandleTriggers(ctx)
	}
	if !ts.Active {
		// a settled manual sell-all leaves the set inactive but complete
		return ts.liquidated && ts.deletable(), nil
	}

	now := ts.h.now()
	p, err := ts.h.prices.Get(ctx, ts.h, ts.Symbol)
	if err != nil {
		return false, err
	}
	if ts.StopLoss != nil && ts.StopLoss.Triggered(p, now) {
		sl := ts.StopLoss
		IncStopLoss(sl.Kind())
		ts.log().Warnf("%s stop-loss %v triggered at %v", sl.Kind(), sl.Value(), p.Current)
		ts.h.notify(ctx, "%s %s: %s stop-loss %v triggered at %v", ts.Symbol, ts.Name, sl.Kind(), sl.Value(), p.Current)
		settled, err := ts.sellAllNowLocked(ctx, nil)
		return settled && ts.deletable(), err
	}

	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return false, err
	}
	if ts.RegularBuy != nil && ts.RegularBuy.IsDue(now) {
		if err := ts.executeRegularBuy(ctx, m, p); err != nil {
			ts.log().WithError(err).Error("regular buy failed")
			ts.h.notify(ctx, "%s %s: regular buy failed: %v", ts.Symbol, ts.Name, err)
		}
	}

	if err := ts.syncOrders(ctx, SideBuy); err != nil {
		return false, err
	}
	if err := ts.placeBuys(ctx, m); err != nil {
		return false, err
	}
	if err := ts.syncOrders(ctx, SideSell); err != nil {
		return false, err
	}
	if err := ts.placeSells(ctx, m); err != nil {
		return false, err
	}
	return ts.deletable(), nil
}

// syncOrders reads every live order of one ladder and applies its state.
func (ts *TradeSet) syncOrders(ctx context.Context, side OrderSide) error {
	for _, e := range *ts.ladder(side) {
		if !e.Open() {
			continue
		}
		id := e.OrderID
		o, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
			return ex.FetchOrder(ctx, id, ts.Symbol)
		}, OwnedBy(ts.ID))
		if err != nil {
			return err
		}
		switch o.Status {
		case StatusClosed:
			ts.recordFill(ctx, e, o)
			ts.log().Infof("%s filled %v @ %v", side, e.Amount, e.Price)
			ts.h.notify(ctx, "%s %s: %s filled %v @ %v", ts.Symbol, ts.Name, side, e.Amount, e.Price)
		case StatusCanceled:
			if o.Cost > 0 || o.Filled > 0 {
				ts.recordFill(ctx, e, o)
				ts.log().Warnf("%s order %s canceled outside after filling %v, kept as filled", side, id, e.Amount)
			} else {
				e.OrderID = ""
				ts.log().Warnf("%s order %s canceled outside, will place again", side, id)
			}
		}
	}
	return nil
}

// placeBuys puts every immediate buy level without an order on the book.
func (ts *TradeSet) placeBuys(ctx context.Context, m Market) error {
	for _, e := range ts.Buys {
		if !e.NotInitiated() || e.CandleAbove != nil {
			continue
		}
		if err := ts.placeOrder(ctx, m, SideBuy, e); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				ts.log().WithError(err).Warn("buy level waits for funds")
				return nil
			}
			return err
		}
	}
	return nil
}

// placeSells places sell levels whose amount the free coin balance covers.
func (ts *TradeSet) placeSells(ctx context.Context, m Market) error {
	for _, e := range ts.Sells {
		if !e.NotInitiated() {
			continue
		}
		if !ts.h.reserve(ts.Coin, e.Amount) {
			ts.log().Debugf("sell %v @ %v waits for %s", e.Amount, e.Price, ts.Coin)
			continue
		}
		if err := ts.placeOrder(ctx, m, SideSell, e); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				ts.log().WithError(err).Warn("sell level waits for coins")
				continue
			}
			return err
		}
	}
	return nil
}

// executeRegularBuy performs a due recurring purchase.
func (ts *TradeSet) executeRegularBuy(ctx context.Context, m Market, p Price) error {
	rb := ts.RegularBuy
	style := rb.Style
	if style == OrderMarket && !ts.h.ex.Capabilities().MarketOrders {
		style = OrderLimit
	}
	if style == OrderMarket {
		amount := amountToPrecision(m, rb.CoinAmount(p.Current))
		if amount <= 0 {
			return inputErr("regular buy amount below the lot step %v", m.AmountStep)
		}
		o, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
			return ex.CreateMarketOrder(ctx, ts.Symbol, SideBuy, amount)
		}, OwnedBy(ts.ID))
		if err != nil {
			return err
		}
		IncOrder(SideBuy, OrderMarket)
		e := &LadderEntry{OrderID: o.ID, Price: p.Current, Amount: amount, AmountAdjusted: amount}
		ts.Buys = append(ts.Buys, e)
		if o.Status == StatusClosed {
			ts.recordFill(ctx, e, o)
		}
		ts.log().Infof("regular market buy %v %s", e.Amount, ts.Coin)
		return nil
	}

	price := priceToPrecision(m, p.Current*(1-limitDiscount))
	amount := amountToPrecision(m, rb.CoinAmount(price))
	if amount <= 0 {
		return inputErr("regular buy amount below the lot step %v", m.AmountStep)
	}
	fee := ts.h.ex.CalculateFee(m, OrderLimit, SideBuy, amount, price)
	ts.Buys = append(ts.Buys, &LadderEntry{Price: price, Amount: amount, AmountAdjusted: adjustedAmount(fee, ts.Coin, amount)})
	ts.log().Infof("regular limit buy %v %s @ %v queued", amount, ts.Coin, price)
	return nil
}

// fireCandleTriggers places candle-gated buy levels whose threshold the last
// closed daily candle exceeded.
func (ts *TradeSet) fireCandleTriggers(ctx context.Context) error {
	pending := lo.Filter(ts.Buys, func(e *LadderEntry, _ int) bool { return e.NotInitiated() && e.CandleAbove != nil })
	if len(pending) == 0 {
		return nil
	}
	if !ts.h.ex.Capabilities().FetchCandles {
		ts.log().Warn("exchange has no candle history, candle-triggered levels cannot fire")
		return nil
	}
	cs, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) ([]Candle, error) {
		return ex.FetchDailyCandles(ctx, ts.Symbol, 3)
	}, OwnedBy(ts.ID))
	if err != nil {
		return err
	}
	closePx, ok := lastClosedCandle(cs, ts.h.now())
	if !ok {
		return nil
	}
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if closePx <= *e.CandleAbove {
			continue
		}
		ts.log().Infof("daily close %v above %v, releasing buy %v @ %v", closePx, *e.CandleAbove, e.Amount, e.Price)
		e.CandleAbove = nil
		if err := ts.placeOrder(ctx, m, SideBuy, e); err != nil {
			return err
		}
	}
	return nil
}

// lastClosedCandle returns the close of the newest daily candle that ended by now.
func lastClosedCandle(cs []Candle, now time.Time) (float64, bool) {
	for i := len(cs) - 1; i >= 0; i-- {
		if !cs[i].Time.Add(24 * time.Hour).After(now) {
			return cs[i].Close, true
		}
	}
	return 0, false
}

// checkHoldingPeriod warns once per filled buy approaching its one-year anniversary.
func (ts *TradeSet) checkHoldingPeriod(ctx context.Context) {
	now := ts.h.now()
	for _, e := range ts.Buys {
		if !e.Filled() || e.FilledAt.IsZero() || e.TaxWarned {
			continue
		}
		age := now.Sub(e.FilledAt)
		if age >= ts.h.cfg.HoldingPeriod-ts.h.cfg.TaxWarnWindow && age < ts.h.cfg.HoldingPeriod {
			e.TaxWarned = true
			left := ts.h.cfg.HoldingPeriod - age
			ts.log().Warnf("buy of %v @ %v reaches one year of holding in %.1f days", e.Amount, e.Price, left.Hours()/24)
			ts.h.notify(ctx, "%s %s: buy of %v @ %v reaches one year of holding on %s",
				ts.Symbol, ts.Name, e.Amount, e.Price, e.FilledAt.Add(ts.h.cfg.HoldingPeriod).Format("2006-01-02"))
		}
	}
}

// deletable reports whether the set has completed: nothing pending, no
// regular buy, and either a liquidation or a ladder that sold without a stop-loss.
func (ts *TradeSet) deletable() bool {
	if ts.RegularBuy != nil {
		return false
	}
	if countEntries(ts.Buys, FilterNotFilled) > 0 || countEntries(ts.Sells, FilterNotFilled) > 0 {
		return false
	}
	if ts.liquidated {
		return true
	}
	return ts.StopLoss == nil && countEntries(ts.Sells, FilterFilled) > 0
}

// fill is the realized outcome of an order.
type fill struct {
	Price    float64
	Amount   float64
	FeeCoin  float64
	FeeQuote float64
}

// realizedFill prefers the exchange's individual trades over the order's summary
// fields, which some venues report without fees or with the limit price.
func (h *TradeHandler) realizedFill(ctx context.Context, ts *TradeSet, o *Order) fill {
	f := fill{Price: o.FillPrice(), Amount: o.Filled}
	if o.Fee != nil {
		switch o.Fee.Currency {
		case ts.Coin:
			f.FeeCoin = o.Fee.Cost
		case ts.Base:
			f.FeeQuote = o.Fee.Cost
		}
	}
	if !h.ex.Capabilities().FetchMyTrades {
		return f
	}
	trades, err := SafeRun(ctx, h, func(ctx context.Context, ex Exchange) ([]Trade, error) {
		return ex.FetchMyTrades(ctx, ts.Symbol, o.Timestamp.Add(-time.Minute))
	}, OwnedBy(ts.ID), Quiet())
	if err != nil {
		ts.log().WithError(err).Debug("trade history unavailable, using order fields")
		return f
	}
	mine := lo.Filter(trades, func(t Trade, _ int) bool { return t.OrderID == o.ID })
	amount := lo.SumBy(mine, func(t Trade) float64 { return t.Amount })
	if amount <= 0 {
		return f
	}
	cost := lo.SumBy(mine, func(t Trade) float64 { return t.Price * t.Amount })
	return fill{
		Price:    cost / amount,
		Amount:   amount,
		FeeCoin:  lo.SumBy(mine, func(t Trade) float64 { return lo.Ternary(t.Fee.Currency == ts.Coin, t.Fee.Cost, 0) }),
		FeeQuote: lo.SumBy(mine, func(t Trade) float64 { return lo.Ternary(t.Fee.Currency == ts.Base, t.Fee.Cost, 0) }),
	}
}
