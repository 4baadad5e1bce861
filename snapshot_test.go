package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotStoreMissingFile(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "none.json"))
	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "state", "sets.json"))
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	snap := HandlerSnapshot{
		Exchange: "paper",
		Account:  "main",
		TradeSets: []TradeSetSnapshot{{
			ID:       "a",
			Symbol:   testSymbol,
			Coin:     "BTC",
			Base:     "USDT",
			Buys:     []LadderEntry{{OrderID: orderFilled, Price: 100, Amount: 1, AmountAdjusted: 0.999, FilledAt: now}},
			Sells:    []LadderEntry{{Price: 110, Amount: 0.999, AmountAdjusted: 0.999, CandleAbove: ptr(120.0)}},
			StopLoss: &StopLossSnapshot{Kind: StopLossTrailing, Value: 95, Offset: 5, Trail: TrailAbsolute},
			Active:   true,
		}},
		History: []HistoryRecord{{ID: "old", Symbol: "ETH/USDT", Gain: 3, GainReport: map[string]float64{"USD": 3}}},
		SavedAt: now,
	}
	require.NoError(t, store.Save(snap))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "main", got.Account)
	require.Len(t, got.TradeSets, 1)
	require.Equal(t, snap.TradeSets[0].Buys[0].OrderID, got.TradeSets[0].Buys[0].OrderID)
	require.True(t, now.Equal(got.TradeSets[0].Buys[0].FilledAt))
	require.InDelta(t, 120, *got.TradeSets[0].Sells[0].CandleAbove, 1e-9)
	require.Equal(t, *snap.TradeSets[0].StopLoss, *got.TradeSets[0].StopLoss)
	require.InDelta(t, 3, got.History[0].GainReport["USD"], 1e-9)

	_, err = os.Stat(store.Path() + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestSnapshotStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sets.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, _, err := NewSnapshotStore(path).Load()
	require.Error(t, err)
}

func TestHandlerSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))
	require.NoError(t, ts.AddSellLevel(ctx, 120, 1))
	require.NoError(t, ts.SetTrailingStopLoss(ctx, 0.1, TrailRelative))
	rb, err := NewRegularBuy(20, CurrencyBase, OrderLimit, Interval{N: 2, Unit: UnitWeek}, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, ts.SetRegularBuy(ctx, rb))
	_, err = ts.Activate(ctx, false)
	require.NoError(t, err)

	snap, err := env.h.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.TradeSets, 1)

	// a fresh handler on the same account restores without touching the exchange
	other := newTestHandler(t)
	calls := other.paper.Calls("LoadMarkets") + other.paper.Calls("FetchBalance") + other.paper.Calls("FetchOrder")
	require.NoError(t, other.h.Restore(snap))
	require.Equal(t, calls, other.paper.Calls("LoadMarkets")+other.paper.Calls("FetchBalance")+other.paper.Calls("FetchOrder"))

	sets := other.h.TradeSets()
	require.Len(t, sets, 1)
	restored := snapshotOf(t, sets[0])
	require.Equal(t, snap.TradeSets[0], restored)

	sl, ok := sets[0].StopLoss.(*TrailingStopLoss)
	require.True(t, ok)
	require.InDelta(t, 94.5, sl.Level, 1e-9)
	require.Equal(t, Interval{N: 2, Unit: UnitWeek}, sets[0].RegularBuy.Interval)
}

func TestRestoreRejectsBrokenSnapshot(t *testing.T) {
	env := newTestHandler(t)
	err := env.h.Restore(HandlerSnapshot{TradeSets: []TradeSetSnapshot{{ID: "x"}}})
	require.Error(t, err)

	err = env.h.Restore(HandlerSnapshot{TradeSets: []TradeSetSnapshot{{
		ID: "x", Symbol: testSymbol, StopLoss: &StopLossSnapshot{Kind: "moon"},
	}}})
	require.Error(t, err)

	err = env.h.Restore(HandlerSnapshot{TradeSets: []TradeSetSnapshot{{
		ID: "x", Symbol: testSymbol,
		RegularBuy: &RegularBuy{Amount: 10, Currency: CurrencyBase, Style: OrderMarket, Interval: Interval{N: 0, Unit: UnitDay}},
	}}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, env.h.TradeSets())
}

func TestRestoredLiquidationIsArchived(t *testing.T) {
	ctx := context.Background()
	env := newTestHandler(t)
	env.paper.SetBalance("BTC", 1)
	ts := env.newSet(t)
	require.NoError(t, ts.AddInitCoins(ctx, 90, 1))
	settled, err := ts.SellAllNow(ctx, nil)
	require.NoError(t, err)
	require.True(t, settled)

	snap, err := env.h.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.TradeSets[0].Liquidated)

	other := newTestHandler(t)
	require.NoError(t, other.h.Restore(snap))
	require.Equal(t, snap.TradeSets[0], snapshotOf(t, other.h.TradeSets()[0]))

	other.update(t)
	require.Empty(t, other.h.TradeSets())
	hist := other.h.History()
	require.Len(t, hist, 1)
	require.InDelta(t, 105-90, hist[0].Gain, 1e-9)
}

func TestMutationsPersistSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "sets.json"))
	env := newTestHandler(t, WithStore(store))

	ts := env.newSet(t)
	require.NoError(t, ts.AddBuyLevel(ctx, 100, 1, nil))

	snap, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "paper", snap.Exchange)
	require.Len(t, snap.TradeSets, 1)
	require.Len(t, snap.TradeSets[0].Buys, 1)
	require.Equal(t, ts.ID, snap.TradeSets[0].ID)
}

func TestRestoreOrSeed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := SeedFile{TradeSets: []SeedTradeSet{{
		Symbol: testSymbol,
		Name:   "seeded",
		Buys:   []SeedLevel{{Price: 100, Amount: 1}},
	}}}

	store := NewSnapshotStore(filepath.Join(dir, "sets.json"))
	env := newTestHandler(t, WithStore(store))
	require.NoError(t, restoreOrSeed(ctx, env.h, seed))
	require.Len(t, env.h.TradeSets(), 1)

	// a restart restores the saved set instead of seeding a second one
	again := newTestHandler(t, WithStore(store))
	require.NoError(t, restoreOrSeed(ctx, again.h, seed))
	sets := again.h.TradeSets()
	require.Len(t, sets, 1)
	require.Equal(t, "seeded", sets[0].Name)

	// a snapshot of another account is refused
	foreign := newTestHandler(t, WithStore(store))
	foreign.h.cfg.Account = "other"
	require.Error(t, restoreOrSeed(ctx, foreign.h, seed))
}
