package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrailingStopLossRatchetsUp(t *testing.T) {
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.Local)
	sl, err := NewTrailingStopLoss(5, TrailAbsolute, 100)
	require.NoError(t, err)
	require.InDelta(t, 95, sl.Value(), 1e-9)

	require.False(t, sl.Triggered(Price{Current: 120}, now))
	require.InDelta(t, 115, sl.Value(), 1e-9)

	require.False(t, sl.Triggered(Price{Current: 116}, now))
	require.InDelta(t, 115, sl.Value(), 1e-9)

	require.True(t, sl.Triggered(Price{Current: 114}, now))
	require.InDelta(t, 115, sl.Value(), 1e-9)
}

func TestTrailingStopLossNeverMovesDown(t *testing.T) {
	sl, err := NewTrailingStopLoss(0.1, TrailRelative, 100)
	require.NoError(t, err)
	require.InDelta(t, 90, sl.Value(), 1e-9)

	prev := sl.Value()
	for _, px := range []float64{101, 99, 130, 125, 140, 100, 150, 10} {
		sl.Triggered(Price{Current: px}, time.Now())
		require.GreaterOrEqual(t, sl.Value(), prev)
		prev = sl.Value()
	}
	require.InDelta(t, 135, sl.Value(), 1e-9)
}

func TestTrailingStopLossValidation(t *testing.T) {
	cases := []struct {
		name    string
		offset  float64
		kind    TrailKind
		current float64
	}{
		{"zero absolute", 0, TrailAbsolute, 100},
		{"absolute above price", 100, TrailAbsolute, 100},
		{"relative one", 1, TrailRelative, 100},
		{"negative relative", -0.1, TrailRelative, 100},
		{"no price", 5, TrailAbsolute, 0},
		{"unknown kind", 5, TrailKind("percent"), 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTrailingStopLoss(tc.offset, tc.kind, tc.current)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestFixedStopLoss(t *testing.T) {
	sl, warn, err := NewStopLoss(StopLossFixed, 90, 100)
	require.NoError(t, err)
	require.Empty(t, warn)

	now := time.Now()
	require.False(t, sl.Triggered(Price{Current: 90}, now))
	require.True(t, sl.Triggered(Price{Current: 89.99}, now))
}

func TestStopLossAboveMarketWarns(t *testing.T) {
	_, warn, err := NewStopLoss(StopLossDaily, 110, 100)
	require.NoError(t, err)
	require.Contains(t, warn, "trigger immediately")

	_, _, err = NewStopLoss(StopLossFixed, -1, 100)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = NewStopLoss(StopLossTrailing, 90, 100)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDailyCloseStopLossWindow(t *testing.T) {
	sl := &DailyCloseStopLoss{Level: 100}
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.Local)

	require.True(t, sl.Triggered(Price{Current: 99}, day.Add(time.Minute)))
	require.False(t, sl.Triggered(Price{Current: 99}, day.Add(2*time.Minute)))
	require.False(t, sl.Triggered(Price{Current: 99}, day.Add(12*time.Hour)))
	require.False(t, sl.Triggered(Price{Current: 101}, day.Add(time.Minute)))
}

func TestWeeklyCloseStopLossOnlyOnMonday(t *testing.T) {
	sl := &WeeklyCloseStopLoss{Level: 100}
	monday := time.Date(2026, 3, 2, 0, 1, 0, 0, time.Local)
	require.Equal(t, time.Monday, monday.Weekday())

	require.True(t, sl.Triggered(Price{Current: 99}, monday))
	require.False(t, sl.Triggered(Price{Current: 99}, monday.AddDate(0, 0, 1)))
	require.False(t, sl.Triggered(Price{Current: 99}, monday.Add(3*time.Minute)))
}

func TestStopLossSnapshotRestore(t *testing.T) {
	for _, sl := range []StopLoss{
		&FixedStopLoss{Level: 10},
		&DailyCloseStopLoss{Level: 11},
		&WeeklyCloseStopLoss{Level: 12},
		&TrailingStopLoss{Level: 13, Offset: 0.05, Trail: TrailRelative},
	} {
		got, err := restoreStopLoss(snapshotStopLoss(sl))
		require.NoError(t, err)
		require.Equal(t, sl, got)
	}

	got, err := restoreStopLoss(nil)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = restoreStopLoss(&StopLossSnapshot{Kind: "bogus", Value: 1})
	require.Error(t, err)
}
