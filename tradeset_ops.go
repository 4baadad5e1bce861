// FILE: tradeset_ops.go
// Package main – Trade set operations.
//
// Exported methods take the set's lock and save a snapshot afterwards.
// The *Locked variants are used by the reconciliation loop, which already
// holds the lock for the whole pass over a set.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// CancelMode selects what Deactivate does with live orders.
type CancelMode int

const (
	CancelNone   CancelMode = iota // flag only
	CancelKeep                     // cancel orders, keep ladder entries
	CancelDelete                   // cancel orders, drop non-filled entries
)

// sellAllDiscount prices the limit-order fallback of SellAllNow below the reference.
const sellAllDiscount = 0.005

// ---- ladder editing ----

// AddBuyLevel appends a buy level. candleAbove, when set, holds the level back
// until a daily candle closes above it.
func (ts *TradeSet) AddBuyLevel(ctx context.Context, price, amount float64, candleAbove *float64) error {
	return ts.mutate(ctx, func() error { return ts.addBuyLevelLocked(ctx, price, amount, candleAbove) })
}

// AddBuyLevels appends several buy levels; prices and amounts pair up by index.
func (ts *TradeSet) AddBuyLevels(ctx context.Context, prices, amounts []float64) error {
	if len(prices) != len(amounts) {
		return inputErr("%d buy prices but %d amounts", len(prices), len(amounts))
	}
	return ts.mutate(ctx, func() error {
		for i := range prices {
			if err := ts.addBuyLevelLocked(ctx, prices[i], amounts[i], nil); err != nil {
				return fmt.Errorf("buy level %d: %w", i, err)
			}
		}
		return nil
	})
}

func (ts *TradeSet) addBuyLevelLocked(ctx context.Context, price, amount float64, candleAbove *float64) error {
	if err := validPositive("buy price", price); err != nil {
		return err
	}
	if err := validPositive("buy amount", amount); err != nil {
		return err
	}
	if candleAbove != nil {
		if err := validPositive("candle trigger", *candleAbove); err != nil {
			return err
		}
	}
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return err
	}
	price, amount = priceToPrecision(m, price), amountToPrecision(m, amount)
	if amount <= 0 {
		return inputErr("buy amount below the lot step %v", m.AmountStep)
	}
	if err := checkLimits(m, amount, price); err != nil {
		return err
	}
	fee := ts.h.ex.CalculateFee(m, OrderLimit, SideBuy, amount, price)
	need := amount * price
	if fee.Currency == ts.Base {
		need += fee.Cost
	}
	free, err := ts.h.freeBalance(ctx, ts.Base)
	if err != nil {
		return err
	}
	if need > free+amountEps {
		return inputErr("insufficient %s: level needs %v, free %v", ts.Base, need, free)
	}

	e := &LadderEntry{Price: price, Amount: amount, AmountAdjusted: adjustedAmount(fee, ts.Coin, amount)}
	if candleAbove != nil {
		e.CandleAbove = lo.ToPtr(*candleAbove)
	}
	wasActive := ts.Active
	if wasActive {
		if r := ts.refusalWith(m, SideBuy, append(slices.Clone(ts.Buys), e)); r != nil {
			return ts.refuse(r)
		}
	}
	ts.Active = false
	ts.Buys = append(ts.Buys, e)
	if wasActive {
		_, err := ts.activateLocked(ctx, false)
		return err
	}
	return nil
}

// AddSellLevel appends a sell level. Coin coverage is checked at reconciliation.
func (ts *TradeSet) AddSellLevel(ctx context.Context, price, amount float64) error {
	return ts.mutate(ctx, func() error { return ts.addSellLevelLocked(ctx, price, amount) })
}

// AddSellLevels appends several sell levels; prices and amounts pair up by index.
func (ts *TradeSet) AddSellLevels(ctx context.Context, prices, amounts []float64) error {
	if len(prices) != len(amounts) {
		return inputErr("%d sell prices but %d amounts", len(prices), len(amounts))
	}
	return ts.mutate(ctx, func() error {
		for i := range prices {
			if err := ts.addSellLevelLocked(ctx, prices[i], amounts[i]); err != nil {
				return fmt.Errorf("sell level %d: %w", i, err)
			}
		}
		return nil
	})
}

func (ts *TradeSet) addSellLevelLocked(ctx context.Context, price, amount float64) error {
	if err := validPositive("sell price", price); err != nil {
		return err
	}
	if err := validPositive("sell amount", amount); err != nil {
		return err
	}
	if low, ok := minPrice(ts.Buys, FilterAll); ok && price < low {
		return inputErr("sell price %v below buy price %v", price, low)
	}
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return err
	}
	price, amount = priceToPrecision(m, price), amountToPrecision(m, amount)
	if amount <= 0 {
		return inputErr("sell amount below the lot step %v", m.AmountStep)
	}
	if err := checkLimits(m, amount, price); err != nil {
		return err
	}
	fee := ts.h.ex.CalculateFee(m, OrderLimit, SideSell, amount, price)
	e := &LadderEntry{Price: price, Amount: amount, AmountAdjusted: adjustedAmount(fee, ts.Coin, amount)}

	wasActive := ts.Active
	if wasActive {
		if r := ts.refusalWith(m, SideSell, append(slices.Clone(ts.Sells), e)); r != nil {
			return ts.refuse(r)
		}
	}
	ts.Active = false
	ts.Sells = append(ts.Sells, e)
	if wasActive {
		_, err := ts.activateLocked(ctx, false)
		return err
	}
	return nil
}

// DeleteBuyLevel removes buy level i, canceling its order first.
func (ts *TradeSet) DeleteBuyLevel(ctx context.Context, i int) error {
	return ts.mutate(ctx, func() error { return ts.deleteLevelLocked(ctx, SideBuy, i) })
}

// DeleteSellLevel removes sell level i, canceling its order first.
func (ts *TradeSet) DeleteSellLevel(ctx context.Context, i int) error {
	return ts.mutate(ctx, func() error { return ts.deleteLevelLocked(ctx, SideSell, i) })
}

func (ts *TradeSet) deleteLevelLocked(ctx context.Context, side OrderSide, i int) error {
	ladder := ts.ladder(side)
	if i < 0 || i >= len(*ladder) {
		return inputErr("no %s level %d", strings.ToLower(string(side)), i)
	}
	e := (*ladder)[i]
	if e.Filled() {
		return refused("delete level", "%s level %d is already filled", strings.ToLower(string(side)), i)
	}
	wasActive := ts.Active
	if wasActive {
		m, err := ts.h.market(ctx, ts.Symbol)
		if err != nil {
			return err
		}
		if r := ts.refusalWith(m, side, slices.Delete(slices.Clone(*ladder), i, i+1)); r != nil {
			return ts.refuse(r)
		}
	}
	ts.Active = false
	if e.Open() {
		if err := ts.cancelEntry(ctx, side, e); err != nil {
			ts.Active = wasActive
			return err
		}
		if e.Filled() {
			ts.Active = wasActive
			return refused("delete level", "%s level %d filled %v before it could be canceled", strings.ToLower(string(side)), i, e.Amount)
		}
	}
	*ladder = slices.Delete(*ladder, i, i+1)
	if wasActive {
		_, err := ts.activateLocked(ctx, false)
		return err
	}
	return nil
}

// SetBuyLevel replaces price and amount of buy level i.
func (ts *TradeSet) SetBuyLevel(ctx context.Context, i int, price, amount float64) error {
	return ts.mutate(ctx, func() error { return ts.setLevelLocked(ctx, SideBuy, i, price, amount) })
}

// SetSellLevel replaces price and amount of sell level i.
func (ts *TradeSet) SetSellLevel(ctx context.Context, i int, price, amount float64) error {
	return ts.mutate(ctx, func() error { return ts.setLevelLocked(ctx, SideSell, i, price, amount) })
}

func (ts *TradeSet) setLevelLocked(ctx context.Context, side OrderSide, i int, price, amount float64) error {
	ladder := *ts.ladder(side)
	name := strings.ToLower(string(side))
	if i < 0 || i >= len(ladder) {
		return inputErr("no %s level %d", name, i)
	}
	e := ladder[i]
	if e.Filled() {
		return refused("set level", "%s level %d is already filled", name, i)
	}
	if err := validPositive(name+" price", price); err != nil {
		return err
	}
	if err := validPositive(name+" amount", amount); err != nil {
		return err
	}
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return err
	}
	price, amount = priceToPrecision(m, price), amountToPrecision(m, amount)
	if err := checkLimits(m, amount, price); err != nil {
		return err
	}
	fee := ts.h.ex.CalculateFee(m, OrderLimit, side, amount, price)
	if side == SideBuy {
		need := amount * price
		if fee.Currency == ts.Base {
			need += fee.Cost
		}
		free, err := ts.h.freeBalance(ctx, ts.Base)
		if err != nil {
			return err
		}
		if e.Open() {
			free += e.Price * e.Amount
		}
		if need > free+amountEps {
			return inputErr("insufficient %s: level needs %v, free %v", ts.Base, need, free)
		}
	}
	if ts.Active {
		edited := *e
		edited.OrderID, edited.Price, edited.Amount = "", price, amount
		if r := ts.refusalWith(m, side, slices.Replace(slices.Clone(ladder), i, i+1, &edited)); r != nil {
			return ts.refuse(r)
		}
	}

	if e.Open() {
		if err := ts.cancelEntry(ctx, side, e); err != nil {
			return err
		}
		if e.Filled() {
			return refused("set level", "%s level %d filled %v before it could be canceled", name, i, e.Amount)
		}
	}
	e.Price, e.Amount = price, amount
	e.AmountAdjusted = adjustedAmount(fee, ts.Coin, amount)
	return nil
}

// AddInitCoins records holdings bought outside the ladders. A negative
// initPrice means the cost is unknown.
func (ts *TradeSet) AddInitCoins(ctx context.Context, initPrice, initAmount float64) error {
	if math.IsNaN(initAmount) || math.IsInf(initAmount, 0) || initAmount < 0 {
		return inputErr("initial amount must be >= 0, got %v", initAmount)
	}
	if math.IsNaN(initPrice) || math.IsInf(initPrice, 0) {
		return inputErr("initial price must be a number, got %v", initPrice)
	}
	return ts.mutate(ctx, func() error {
		ts.InitAmount = initAmount
		if initPrice < 0 {
			ts.InitPrice = nil
		} else {
			ts.InitPrice = lo.ToPtr(initPrice)
		}
		return nil
	})
}

// ---- policies ----

// SetStopLoss installs a fixed, daily or weekly stop-loss. A non-empty warning
// means the level is already at or above the market.
func (ts *TradeSet) SetStopLoss(ctx context.Context, kind StopLossKind, level float64) (warning string, err error) {
	p, err := ts.h.prices.Get(ctx, ts.h, ts.Symbol)
	if err != nil {
		return "", err
	}
	sl, warning, err := NewStopLoss(kind, level, p.Current)
	if err != nil {
		return "", err
	}
	if warning != "" {
		ts.log().Warn(warning)
	}
	return warning, ts.mutate(ctx, func() error {
		ts.StopLoss = sl
		return nil
	})
}

// SetTrailingStopLoss installs a trailing stop-loss seeded from the current price.
func (ts *TradeSet) SetTrailingStopLoss(ctx context.Context, offset float64, kind TrailKind) error {
	p, err := ts.h.prices.Get(ctx, ts.h, ts.Symbol)
	if err != nil {
		return err
	}
	sl, err := NewTrailingStopLoss(offset, kind, p.Current)
	if err != nil {
		return err
	}
	return ts.mutate(ctx, func() error {
		ts.StopLoss = sl
		return nil
	})
}

// ClearStopLoss removes any stop-loss.
func (ts *TradeSet) ClearStopLoss(ctx context.Context) error {
	return ts.mutate(ctx, func() error {
		ts.StopLoss = nil
		return nil
	})
}

// SetRegularBuy installs (or with nil removes) the recurring purchase policy.
func (ts *TradeSet) SetRegularBuy(ctx context.Context, rb *RegularBuy) error {
	return ts.mutate(ctx, func() error {
		ts.RegularBuy = rb
		return nil
	})
}

// ---- activation ----

// Activate makes the set live and places its immediate buy orders.
// It returns the previous active flag.
func (ts *TradeSet) Activate(ctx context.Context, verbose bool) (bool, error) {
	var was bool
	err := ts.mutate(ctx, func() error {
		var err error
		was, err = ts.activateLocked(ctx, verbose)
		return err
	})
	return was, err
}

func (ts *TradeSet) activateLocked(ctx context.Context, verbose bool) (bool, error) {
	was := ts.Active
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return was, err
	}
	if r := ts.activationRefusal(m); r != nil {
		return was, ts.refuse(r)
	}

	ts.Virgin = false
	ts.Active = true
	for _, e := range ts.Buys {
		if !e.NotInitiated() || e.CandleAbove != nil {
			continue
		}
		if err := ts.placeOrder(ctx, m, SideBuy, e); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				ts.log().WithError(err).Warn("insufficient funds while activating, deactivating")
				if derr := ts.deactivateLocked(ctx, CancelKeep); derr != nil {
					ts.log().WithError(derr).Error("deactivate after insufficient funds")
				}
			}
			return was, err
		}
	}
	if verbose {
		ts.log().Infof("activated: estimated result if all levels fill %+.8f %s", ts.ProfitEstimate(), ts.Base)
	}
	return was, nil
}

// activationRefusal checks the preconditions of activate against the current ladders.
func (ts *TradeSet) activationRefusal(m Market) *RefusedError {
	if !m.Active {
		return refused("activate", "pair %s is disabled for trading", ts.Symbol)
	}
	toSell := sumAmount(ts.Sells, FilterNotInitiated, false)
	supply := sumAmount(ts.Buys, FilterNotFilled, true) + ts.coinsFree()
	if toSell > supply+amountEps {
		return refused("activate", "sell levels need %v %s but only %v can be available", toSell, ts.Coin, supply)
	}
	if ts.StopLoss != nil {
		if low, ok := minPrice(ts.Buys, FilterNotFilled); ok && ts.StopLoss.Value() >= low {
			return refused("activate", "stop-loss %v is not below the lowest open buy level %v", ts.StopLoss.Value(), low)
		}
	}
	return nil
}

// refusalWith runs activationRefusal as if side's ladder were edited. The ladder
// is left as it was.
func (ts *TradeSet) refusalWith(m Market, side OrderSide, edited []*LadderEntry) *RefusedError {
	ladder := ts.ladder(side)
	saved := *ladder
	*ladder = edited
	defer func() { *ladder = saved }()
	return ts.activationRefusal(m)
}

func (ts *TradeSet) refuse(err *RefusedError) error {
	ts.log().Warn(err.Error())
	return err
}

// Deactivate takes the set offline, canceling orders according to mode.
func (ts *TradeSet) Deactivate(ctx context.Context, mode CancelMode) error {
	return ts.mutate(ctx, func() error { return ts.deactivateLocked(ctx, mode) })
}

func (ts *TradeSet) deactivateLocked(ctx context.Context, mode CancelMode) error {
	ts.Active = false
	if mode == CancelNone {
		return nil
	}
	del := mode == CancelDelete
	return errors.Join(
		ts.cancelOrdersLocked(ctx, SideBuy, "", del),
		ts.cancelOrdersLocked(ctx, SideSell, "", del),
	)
}

// CancelBuyOrders cancels the live buy order orderID (all when empty).
func (ts *TradeSet) CancelBuyOrders(ctx context.Context, orderID string, del bool) error {
	return ts.mutate(ctx, func() error { return ts.cancelOrdersLocked(ctx, SideBuy, orderID, del) })
}

// CancelSellOrders cancels the live sell order orderID (all when empty).
func (ts *TradeSet) CancelSellOrders(ctx context.Context, orderID string, del bool) error {
	return ts.mutate(ctx, func() error { return ts.cancelOrdersLocked(ctx, SideSell, orderID, del) })
}

// cancelOrdersLocked cancels matching live orders. Partial fills turn the entry
// into a filled one; with del, the targeted non-filled entries are dropped.
func (ts *TradeSet) cancelOrdersLocked(ctx context.Context, side OrderSide, orderID string, del bool) error {
	ladder := ts.ladder(side)
	targeted := map[*LadderEntry]bool{}
	var errs []error
	for _, e := range *ladder {
		if orderID != "" && e.OrderID != orderID {
			continue
		}
		targeted[e] = true
		if !e.Open() {
			continue
		}
		if err := ts.cancelEntry(ctx, side, e); err != nil {
			errs = append(errs, err)
		}
	}
	if del {
		*ladder = lo.Filter(*ladder, func(e *LadderEntry, _ int) bool {
			return !targeted[e] || e.Filled() || e.Open()
		})
	}
	return errors.Join(errs...)
}

// cancelEntry cancels e's order and re-reads it to capture any fill.
func (ts *TradeSet) cancelEntry(ctx context.Context, side OrderSide, e *LadderEntry) error {
	id := e.OrderID
	_, cerr := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (struct{}, error) {
		return struct{}{}, ex.CancelOrder(ctx, id, ts.Symbol)
	}, OwnedBy(ts.ID), Quiet())
	o, ferr := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
		return ex.FetchOrder(ctx, id, ts.Symbol)
	}, OwnedBy(ts.ID))
	if ferr != nil {
		if cerr != nil {
			return cerr
		}
		return ferr
	}
	if o.Status == StatusOpen {
		if cerr != nil {
			return cerr
		}
		return fmt.Errorf("order %s still open after cancel", id)
	}
	if o.Filled > 0 {
		ts.recordFill(ctx, e, o)
		ts.log().Infof("%s order %s had filled %v before cancel", side, id, e.Amount)
		return nil
	}
	e.OrderID = ""
	return nil
}

// placeOrder puts e on the book as a limit order.
func (ts *TradeSet) placeOrder(ctx context.Context, m Market, side OrderSide, e *LadderEntry) error {
	amount, price := amountToPrecision(m, e.Amount), priceToPrecision(m, e.Price)
	o, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
		return ex.CreateLimitOrder(ctx, ts.Symbol, side, amount, price)
	}, OwnedBy(ts.ID))
	if err != nil {
		return err
	}
	IncOrder(side, OrderLimit)
	e.OrderID = o.ID
	ts.log().Infof("placed %s %v @ %v (order %s)", side, amount, price, o.ID)
	return nil
}

// recordFill marks e filled with the realized price, amount and fees of o.
func (ts *TradeSet) recordFill(ctx context.Context, e *LadderEntry, o *Order) {
	f := ts.h.realizedFill(ctx, ts, o)
	e.OrderID = orderFilled
	e.Price = f.Price
	e.Amount = f.Amount
	e.AmountAdjusted = math.Max(f.Amount-f.FeeCoin, 0)
	e.FeeQuote = f.FeeQuote
	e.FilledAt = ts.h.now()
}

// ---- liquidation ----

// SellAllNow cancels everything, drops the stop-loss and sells all holdings.
// It returns true when the sale is already settled.
func (ts *TradeSet) SellAllNow(ctx context.Context, price *float64) (bool, error) {
	var settled bool
	err := ts.mutate(ctx, func() error {
		var err error
		settled, err = ts.sellAllNowLocked(ctx, price)
		return err
	})
	return settled, err
}

func (ts *TradeSet) sellAllNowLocked(ctx context.Context, price *float64) (bool, error) {
	if err := ts.deactivateLocked(ctx, CancelDelete); err != nil {
		return false, err
	}
	ts.StopLoss = nil
	ts.liquidated = true

	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return false, err
	}
	amount := amountToPrecision(m, ts.Holdings())
	if amount <= 0 || (m.MinAmount > 0 && amount < m.MinAmount) {
		ts.log().Info("sell all: nothing left to sell")
		return true, nil
	}
	ts.h.notify(ctx, "%s %s: selling all %v %s", ts.Symbol, ts.Name, amount, ts.Coin)

	o, err := ts.sellNow(ctx, m, amount, price)
	if errors.Is(err, ErrInsufficientFunds) {
		bal, berr := ts.h.RefreshBalance(ctx)
		if berr != nil {
			return false, berr
		}
		amount = amountToPrecision(m, math.Min(amount, bal.Free(ts.Coin)))
		if amount <= 0 {
			return false, err
		}
		ts.log().Warnf("sell all: falling back to the free balance %v %s", amount, ts.Coin)
		o, err = ts.sellNow(ctx, m, amount, price)
	}
	if err != nil {
		return false, err
	}

	e := &LadderEntry{OrderID: o.ID, Price: o.Price, Amount: amount, AmountAdjusted: amount}
	ts.Sells = append(ts.Sells, e)
	if o.Status == StatusClosed {
		ts.recordFill(ctx, e, o)
		ts.h.notify(ctx, "%s %s: sold %v %s @ %v", ts.Symbol, ts.Name, e.Amount, ts.Coin, e.Price)
		return true, nil
	}
	if e.Price <= 0 && price != nil {
		e.Price = *price
	}
	// keep the pending sell under reconciliation; no buys remain to re-trigger
	ts.Active = true
	ts.Virgin = false
	return false, nil
}

func (ts *TradeSet) sellNow(ctx context.Context, m Market, amount float64, ref *float64) (*Order, error) {
	if ts.h.ex.Capabilities().MarketOrders {
		o, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
			return ex.CreateMarketOrder(ctx, ts.Symbol, SideSell, amount)
		}, OwnedBy(ts.ID))
		if err == nil {
			IncOrder(SideSell, OrderMarket)
		}
		return o, err
	}
	refPrice := 0.0
	if ref != nil {
		refPrice = *ref
	} else {
		p, err := ts.h.prices.Get(ctx, ts.h, ts.Symbol)
		if err != nil {
			return nil, err
		}
		refPrice = p.Current
	}
	limit := priceToPrecision(m, refPrice*(1-sellAllDiscount))
	o, err := SafeRun(ctx, ts.h, func(ctx context.Context, ex Exchange) (*Order, error) {
		return ex.CreateLimitOrder(ctx, ts.Symbol, SideSell, amount, limit)
	}, OwnedBy(ts.ID))
	if err == nil {
		IncOrder(SideSell, OrderLimit)
	}
	return o, err
}

// SetSLBreakEven installs a fixed stop-loss at the break-even price of the
// remaining holdings. It returns false with a *RefusedError when that is not possible.
func (ts *TradeSet) SetSLBreakEven(ctx context.Context) (bool, error) {
	var ok bool
	err := ts.mutate(ctx, func() error {
		var err error
		ok, err = ts.setSLBreakEvenLocked(ctx)
		return err
	})
	return ok, err
}

func (ts *TradeSet) setSLBreakEvenLocked(ctx context.Context) (bool, error) {
	const op = "break-even stop-loss"
	if ts.InitAmount > 0 && ts.InitPrice == nil {
		return false, ts.refuse(refused(op, "initial coins have no known cost"))
	}
	costIn, proceeds := ts.CostIn(), ts.Proceeds()
	if proceeds > costIn {
		return false, ts.refuse(refused(op, "proceeds %v already cover the cost %v", proceeds, costIn))
	}
	m, err := ts.h.market(ctx, ts.Symbol)
	if err != nil {
		return false, err
	}
	be, ok := ts.BreakEvenPrice(m.Taker)
	if !ok {
		return false, ts.refuse(refused(op, "nothing left to sell"))
	}
	p, err := ts.h.prices.Get(ctx, ts.h, ts.Symbol)
	if err != nil {
		return false, err
	}
	if be > p.Current {
		return false, ts.refuse(refused(op, "break-even %v is above the current price %v", be, p.Current))
	}
	ts.StopLoss = &FixedStopLoss{Level: priceToPrecision(m, be)}
	ts.log().Infof("stop-loss set to break-even %v", ts.StopLoss.Value())
	return true, nil
}
