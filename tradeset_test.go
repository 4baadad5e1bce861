package main

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestAddBuyLevelRejectsUnfundedLevelWithoutExchangeCalls(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	env.paper.SetBalance("USDT", 50)
	ts := env.newSet(t)
	_, err := env.h.RefreshBalance(ctx)
	require.NoError(t, err)

	methods := []string{"LoadMarkets", "FetchBalance", "FetchTicker", "CreateLimitOrder", "CreateMarketOrder"}
	before := lo.Map(methods, func(m string, _ int) int { return env.paper.Calls(m) })

	err = ts.AddBuyLevel(ctx, 100, 1, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, snapshotOf(t, ts).Buys)
	require.Equal(t, before, lo.Map(methods, func(m string, _ int) int { return env.paper.Calls(m) }))
}

func TestAddLevelValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)

	require.ErrorIs(t, ts.AddBuyLevel(ctx, -1, 1, nil), ErrInvalidInput)
	require.ErrorIs(t, ts.AddBuyLevel(ctx, 100, math.NaN(), nil), ErrInvalidInput)
	require.ErrorIs(t, ts.AddBuyLevel(ctx, 100, 0.00001, nil), ErrInvalidInput, "below the lot step")
	require.ErrorIs(t, ts.AddBuyLevel(ctx, 100, 1, ptr(-5.0)), ErrInvalidInput)
	require.ErrorIs(t, ts.AddBuyLevels(ctx, []float64{100, 90}, []float64{1}), ErrInvalidInput)
	require.ErrorIs(t, ts.AddSellLevels(ctx, []float64{110}, nil), ErrInvalidInput)
	require.ErrorIs(t, ts.AddInitCoins(ctx, 10, -1), ErrInvalidInput)

	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	require.ErrorIs(t, ts.AddSellLevel(ctx, 99, 1), ErrInvalidInput, "sell below the lowest buy")
	require.NoError(t, ts.AddSellLevel(ctx, 100, 1))

	snap := snapshotOf(t, ts)
	require.Len(t, snap.Buys, 1)
	require.Len(t, snap.Sells, 1)
}

func TestAddLevelsRoundsToMarketPrecision(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)

	require.NoError(t, ts.AddBuyLevels(ctx, []float64{100.004, 99.996}, []float64{0.12345, 0.5}))
	snap := snapshotOf(t, ts)
	require.InDelta(t, 100, snap.Buys[0].Price, 1e-9)
	require.InDelta(t, 0.1234, snap.Buys[0].Amount, 1e-9)
	require.InDelta(t, 100, snap.Buys[1].Price, 1e-9)
}

func TestActivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	require.True(t, snapshotOf(t, ts).Virgin)

	was, err := ts.Activate(ctx, false)
	require.NoError(t, err)
	require.False(t, was)

	was, err = ts.Activate(ctx, false)
	require.NoError(t, err)
	require.True(t, was)

	require.Len(t, env.openOrders(), 1)
	require.False(t, snapshotOf(t, ts).Virgin)
}

func TestActivateRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("sells exceed supply", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		require.NoError(t, ts.AddSellLevel(ctx, 110, 2))

		_, err := ts.Activate(ctx, false)
		var refusedErr *RefusedError
		require.True(t, errors.As(err, &refusedErr))
		require.False(t, snapshotOf(t, ts).Active)
		require.Empty(t, env.openOrders())
	})

	t.Run("stop-loss not below buys", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		_, err := ts.SetStopLoss(ctx, StopLossFixed, 100)
		require.NoError(t, err)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))

		_, err = ts.Activate(ctx, false)
		var refusedErr *RefusedError
		require.True(t, errors.As(err, &refusedErr))
		require.Empty(t, env.openOrders())
	})

	t.Run("pair disabled", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		env.paper.AddMarket(Market{Symbol: testSymbol, Active: false, AmountStep: 0.0001, PriceTick: 0.01})
		env.h.invalidateMarkets()

		_, err := ts.Activate(ctx, false)
		var refusedErr *RefusedError
		require.True(t, errors.As(err, &refusedErr))
	})
}

func TestActivateDeactivatesOnInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 5, nil))
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 6, nil))

	_, err := ts.Activate(ctx, false)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	snap := snapshotOf(t, ts)
	require.False(t, snap.Active)
	require.Len(t, snap.Buys, 2)
	require.Empty(t, env.openOrders())
}

func TestAddLevelToActiveSetPlacesOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	_, err := ts.Activate(ctx, false)
	require.NoError(t, err)

	require.NoError(t, ts.AddBuyLevel(ctx, 95, 1, nil))
	require.Len(t, env.openOrders(), 2)
	require.True(t, snapshotOf(t, ts).Active)
}

func TestEditingActiveSetKeepsStateOnRefusal(t *testing.T) {
	ctx := context.Background()

	requireRefused := func(t *testing.T, err error) {
		t.Helper()
		var refusedErr *RefusedError
		require.True(t, errors.As(err, &refusedErr), "got %v", err)
	}

	t.Run("buy level below stop-loss", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		_, err := ts.SetStopLoss(ctx, StopLossFixed, 90)
		require.NoError(t, err)
		_, err = ts.Activate(ctx, false)
		require.NoError(t, err)
		before := snapshotOf(t, ts)

		requireRefused(t, ts.AddBuyLevel(ctx, 85, 1, nil))
		require.Equal(t, before, snapshotOf(t, ts))
		require.Len(t, env.openOrders(), 1)

		requireRefused(t, ts.SetBuyLevel(ctx, 0, 85, 1))
		require.Equal(t, before, snapshotOf(t, ts))
		require.Len(t, env.openOrders(), 1, "the resting order is not canceled")
	})

	t.Run("sell level beyond supply", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)
		before := snapshotOf(t, ts)

		requireRefused(t, ts.AddSellLevel(ctx, 110, 2))
		require.Equal(t, before, snapshotOf(t, ts))
	})

	t.Run("deleting a buy that covers a sell", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		require.NoError(t, ts.AddBuyLevel(ctx, 95, 1, nil))
		require.NoError(t, ts.AddSellLevel(ctx, 110, 2))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)
		before := snapshotOf(t, ts)

		requireRefused(t, ts.DeleteBuyLevel(ctx, 1))
		require.Equal(t, before, snapshotOf(t, ts))
		require.Len(t, env.openOrders(), 2)
	})
}

func TestCancelBuyOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("keep entries", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)

		require.NoError(t, ts.CancelBuyOrders(ctx, "", false))
		snap := snapshotOf(t, ts)
		require.Len(t, snap.Buys, 1)
		require.Empty(t, snap.Buys[0].OrderID)
		require.Empty(t, env.openOrders())
	})

	t.Run("delete entries", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		require.NoError(t, ts.AddBuyLevel(ctx, 95, 1, nil))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)

		id := snapshotOf(t, ts).Buys[0].OrderID
		require.NoError(t, ts.CancelBuyOrders(ctx, id, true))
		snap := snapshotOf(t, ts)
		require.Len(t, snap.Buys, 1)
		require.InDelta(t, 95, snap.Buys[0].Price, 1e-9)
		require.Len(t, env.openOrders(), 1)
	})

	t.Run("partial fill becomes filled", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)

		env.paper.FillOrder(env.openOrders()[0].ID, 0.4)
		require.NoError(t, ts.CancelBuyOrders(ctx, "", true))

		snap := snapshotOf(t, ts)
		require.Len(t, snap.Buys, 1)
		require.Equal(t, orderFilled, snap.Buys[0].OrderID)
		require.InDelta(t, 0.4, snap.Buys[0].Amount, 1e-9)
		require.InDelta(t, 100, snap.Buys[0].Price, 1e-9)
	})
}

func TestDeactivateAndReactivate(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	_, err := ts.Activate(ctx, false)
	require.NoError(t, err)

	require.NoError(t, ts.Deactivate(ctx, CancelKeep))
	require.Empty(t, env.openOrders())
	require.False(t, snapshotOf(t, ts).Active)

	was, err := ts.Activate(ctx, false)
	require.NoError(t, err)
	require.False(t, was)
	require.Len(t, env.openOrders(), 1)
}

func TestEditLevels(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	require.NoError(t, ts.AddBuyLevel(ctx, 90, 1, nil))
	_, err := ts.Activate(ctx, false)
	require.NoError(t, err)

	require.NoError(t, ts.SetBuyLevel(ctx, 0, 98, 0.5))
	snap := snapshotOf(t, ts)
	require.Empty(t, snap.Buys[0].OrderID)
	require.InDelta(t, 98, snap.Buys[0].Price, 1e-9)
	require.InDelta(t, 0.5, snap.Buys[0].Amount, 1e-9)

	env.update(t)
	require.Len(t, env.openOrders(), 2)

	require.NoError(t, ts.DeleteBuyLevel(ctx, 1))
	snap = snapshotOf(t, ts)
	require.Len(t, snap.Buys, 1)
	orders := env.openOrders()
	require.Len(t, orders, 1)
	require.InDelta(t, 98, orders[0].Price, 1e-9)

	require.ErrorIs(t, ts.DeleteBuyLevel(ctx, 5), ErrInvalidInput)
}

func TestSellAllNowSettlesAndCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	env.paper.SetBalance("BTC", 0.5)
	ts := env.newSet(t)
	require.NoError(t, ts.AddInitCoins(ctx, 90, 0.5))
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	_, err := ts.SetStopLoss(ctx, StopLossFixed, 80)
	require.NoError(t, err)
	_, err = ts.Activate(ctx, false)
	require.NoError(t, err)

	settled, err := ts.SellAllNow(ctx, nil)
	require.NoError(t, err)
	require.True(t, settled)

	snap := snapshotOf(t, ts)
	require.Empty(t, snap.Buys)
	require.Nil(t, snap.StopLoss)
	require.False(t, snap.Active)
	require.Len(t, snap.Sells, 1)
	require.Equal(t, orderFilled, snap.Sells[0].OrderID)
	require.InDelta(t, 105, snap.Sells[0].Price, 1e-9)
	require.Empty(t, env.openOrders())

	env.update(t)
	require.Empty(t, env.h.TradeSets())
	hist := env.h.History()
	require.Len(t, hist, 1)
	require.InDelta(t, 0.5*105-0.5*90, hist[0].Gain, 1e-9)
}

func TestSellAllNowFallsBackToLimitOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	env.paper.SetCapabilities(Capabilities{FetchMyTrades: true, FetchCandles: true})
	env.paper.SetBalance("BTC", 1)
	ts := env.newSet(t)
	require.NoError(t, ts.AddInitCoins(ctx, 100, 1))

	settled, err := ts.SellAllNow(ctx, ptr(100.0))
	require.NoError(t, err)
	require.False(t, settled)

	orders := env.openOrders()
	require.Len(t, orders, 1)
	require.Equal(t, SideSell, orders[0].Side)
	require.InDelta(t, 99.5, orders[0].Price, 1e-9)
	require.True(t, snapshotOf(t, ts).Active, "pending liquidation stays under reconciliation")

	env.paper.SetPrice(testSymbol, 99.6)
	env.update(t)
	require.Empty(t, env.h.TradeSets())
	hist := env.h.History()
	require.Len(t, hist, 1)
	require.InDelta(t, -0.5, hist[0].Gain, 1e-9)
}

func TestDeleteTradeSet(t *testing.T) {
	ctx := context.Background()

	t.Run("without selling", func(t *testing.T) {
		env := newTestHandler(t)
		ts := env.newSet(t)
		require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
		_, err := ts.Activate(ctx, false)
		require.NoError(t, err)

		require.NoError(t, env.h.DeleteTradeSet(ctx, ts.ID, false))
		require.Empty(t, env.h.TradeSets())
		require.Empty(t, env.h.History())
		require.Empty(t, env.openOrders())
	})

	t.Run("sell all", func(t *testing.T) {
		env := newTestHandler(t)
		env.paper.SetBalance("BTC", 1)
		ts := env.newSet(t)
		require.NoError(t, ts.AddInitCoins(ctx, 100, 1))

		require.NoError(t, env.h.DeleteTradeSet(ctx, ts.ID, true))
		require.Empty(t, env.h.TradeSets())
		hist := env.h.History()
		require.Len(t, hist, 1)
		require.InDelta(t, 5, hist[0].Gain, 1e-9)
	})

	t.Run("unknown id", func(t *testing.T) {
		env := newTestHandler(t)
		require.ErrorIs(t, env.h.DeleteTradeSet(ctx, "nope", false), ErrInvalidInput)
	})
}

func TestSetSLBreakEven(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	env.setMarket(Market{Taker: 0.001})
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	_, err := ts.Activate(ctx, false)
	require.NoError(t, err)
	env.paper.SetPrice(testSymbol, 99)
	env.update(t)

	env.paper.SetPrice(testSymbol, 100.05)
	ok, err := ts.SetSLBreakEven(ctx)
	require.False(t, ok)
	var refusedErr *RefusedError
	require.True(t, errors.As(err, &refusedErr), "break-even above the market")

	env.paper.SetPrice(testSymbol, 105)
	ok, err = ts.SetSLBreakEven(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	snap := snapshotOf(t, ts)
	require.Equal(t, StopLossFixed, snap.StopLoss.Kind)
	require.InDelta(t, 100.1, snap.StopLoss.Value, 1e-9)
}

func TestSetSLBreakEvenNeedsKnownCost(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddInitCoins(ctx, -1, 1))

	ok, err := ts.SetSLBreakEven(ctx)
	require.False(t, ok)
	var refusedErr *RefusedError
	require.True(t, errors.As(err, &refusedErr))
	require.Nil(t, snapshotOf(t, ts).StopLoss)
}

func TestSetSLBreakEvenWhenProceedsEqualCost(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddInitCoins(ctx, 100, 2))
	ts.Sells = append(ts.Sells, &LadderEntry{OrderID: orderFilled, Price: 200, Amount: 1, AmountAdjusted: 1, FilledAt: env.clock.Now()})
	require.InDelta(t, ts.CostIn(), ts.Proceeds(), 1e-12)

	ok, err := ts.SetSLBreakEven(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	snap := snapshotOf(t, ts)
	require.Equal(t, StopLossFixed, snap.StopLoss.Kind)
	require.InDelta(t, 0, snap.StopLoss.Value, 1e-12)
}

func TestTradeSetAggregates(t *testing.T) {
	ts := &TradeSet{
		InitAmount: 1,
		InitPrice:  ptr(50.0),
		Buys: []*LadderEntry{
			{OrderID: orderFilled, Price: 100, Amount: 1, AmountAdjusted: 0.999, FeeQuote: 0},
			{Price: 90, Amount: 1, AmountAdjusted: 0.999},
		},
		Sells: []*LadderEntry{
			{OrderID: orderFilled, Price: 120, Amount: 0.5, AmountAdjusted: 0.5, FeeQuote: 0.06},
			{OrderID: "open-1", Price: 130, Amount: 0.5, AmountAdjusted: 0.5},
			{Price: 140, Amount: 0.9, AmountAdjusted: 0.9},
		},
	}
	require.InDelta(t, 1.499, ts.Holdings(), 1e-9)
	require.InDelta(t, 0.999, ts.coinsFree(), 1e-9)
	require.InDelta(t, 150, ts.CostIn(), 1e-9)
	require.InDelta(t, 59.94, ts.Proceeds(), 1e-9)
	require.InDelta(t, 60+65+126-190-50, ts.ProfitEstimate(), 1e-9)

	be, ok := ts.BreakEvenPrice(0)
	require.True(t, ok)
	require.InDelta(t, (150-59.94)/1.499, be, 1e-9)
}

func TestCreateTradeSetUnknownPair(t *testing.T) {
	env := newTestHandler(t)
	_, err := env.h.CreateTradeSet(context.Background(), "DOGE/EUR", "")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, env.h.TradeSets())
}
