// FILE: stoploss.go
// Package main – Stop-loss policies.
//
// Four variants share the StopLoss interface:
//   • fixed      – fires when the price is below the value
//   • daily      – fixed, evaluated only in [00:00, 00:02) local time
//   • weekly     – daily, on Mondays only
//   • trailing   – the value ratchets up behind the price, never down
package main

import (
	"fmt"
	"time"
)

// StopLossKind names a stop-loss variant; it is also the persisted tag.
type StopLossKind string

const (
	StopLossFixed    StopLossKind = "fixed"
	StopLossDaily    StopLossKind = "daily"
	StopLossWeekly   StopLossKind = "weekly"
	StopLossTrailing StopLossKind = "trailing"
)

// TrailKind selects how a trailing offset is applied.
type TrailKind string

const (
	TrailAbsolute TrailKind = "absolute"
	TrailRelative TrailKind = "relative"
)

// closeWindow is how long after local midnight the close variants may fire.
const closeWindow = 2 * time.Minute

// StopLoss decides whether a trade set must be liquidated.
type StopLoss interface {
	Kind() StopLossKind
	Value() float64
	// Triggered may update internal state (trailing ratchet).
	Triggered(p Price, now time.Time) bool
	isStopLoss()
}

// FixedStopLoss fires whenever the price is below Level.
type FixedStopLoss struct{ Level float64 }

// DailyCloseStopLoss fires below Level right after midnight.
type DailyCloseStopLoss struct{ Level float64 }

// WeeklyCloseStopLoss fires below Level right after midnight on Mondays.
type WeeklyCloseStopLoss struct{ Level float64 }

// TrailingStopLoss follows the price at Offset and never moves down.
type TrailingStopLoss struct {
	Level  float64
	Offset float64
	Trail  TrailKind
}

func (*FixedStopLoss) isStopLoss()       {}
func (*DailyCloseStopLoss) isStopLoss()  {}
func (*WeeklyCloseStopLoss) isStopLoss() {}
func (*TrailingStopLoss) isStopLoss()    {}

func (s *FixedStopLoss) Kind() StopLossKind       { return StopLossFixed }
func (s *DailyCloseStopLoss) Kind() StopLossKind  { return StopLossDaily }
func (s *WeeklyCloseStopLoss) Kind() StopLossKind { return StopLossWeekly }
func (s *TrailingStopLoss) Kind() StopLossKind    { return StopLossTrailing }

func (s *FixedStopLoss) Value() float64       { return s.Level }
func (s *DailyCloseStopLoss) Value() float64  { return s.Level }
func (s *WeeklyCloseStopLoss) Value() float64 { return s.Level }
func (s *TrailingStopLoss) Value() float64    { return s.Level }

func (s *FixedStopLoss) Triggered(p Price, _ time.Time) bool { return p.Current < s.Level }

func (s *DailyCloseStopLoss) Triggered(p Price, now time.Time) bool {
	return p.Current < s.Level && inCloseWindow(now)
}

func (s *WeeklyCloseStopLoss) Triggered(p Price, now time.Time) bool {
	return p.Current < s.Level && now.Weekday() == time.Monday && inCloseWindow(now)
}

func (s *TrailingStopLoss) Triggered(p Price, _ time.Time) bool {
	if next := trailLevel(p.Current, s.Offset, s.Trail); next > s.Level {
		s.Level = next
	}
	return p.Current < s.Level
}

func inCloseWindow(now time.Time) bool {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return now.Sub(midnight) < closeWindow
}

func trailLevel(price, offset float64, kind TrailKind) float64 {
	if kind == TrailRelative {
		return price * (1 - offset)
	}
	return price - offset
}

// NewStopLoss builds a fixed, daily or weekly stop-loss. The returned warning is
// non-empty when the level is at or above the current price (it would fire at once).
func NewStopLoss(kind StopLossKind, level, current float64) (StopLoss, string, error) {
	if err := validPositive("stop-loss value", level); err != nil {
		return nil, "", err
	}
	var sl StopLoss
	switch kind {
	case StopLossFixed:
		sl = &FixedStopLoss{Level: level}
	case StopLossDaily:
		sl = &DailyCloseStopLoss{Level: level}
	case StopLossWeekly:
		sl = &WeeklyCloseStopLoss{Level: level}
	default:
		return nil, "", inputErr("unknown stop-loss kind %q", kind)
	}
	var warn string
	if current > 0 && level >= current {
		warn = fmt.Sprintf("stop-loss %v is at or above the current price %v and will trigger immediately", level, current)
	}
	return sl, warn, nil
}

// NewTrailingStopLoss validates offset against the current price and seeds the level.
func NewTrailingStopLoss(offset float64, kind TrailKind, current float64) (*TrailingStopLoss, error) {
	if err := validPositive("current price", current); err != nil {
		return nil, err
	}
	switch kind {
	case TrailAbsolute:
		if !(offset > 0 && offset < current) {
			return nil, inputErr("absolute trailing offset must be in (0, %v), got %v", current, offset)
		}
	case TrailRelative:
		if !(offset > 0 && offset < 1) {
			return nil, inputErr("relative trailing offset must be in (0, 1), got %v", offset)
		}
	default:
		return nil, inputErr("unknown trailing kind %q", kind)
	}
	return &TrailingStopLoss{Level: trailLevel(current, offset, kind), Offset: offset, Trail: kind}, nil
}

// StopLossSnapshot is the persisted form of any variant.
type StopLossSnapshot struct {
	Kind   StopLossKind `json:"kind"`
	Value  float64      `json:"value"`
	Offset float64      `json:"offset,omitempty"`
	Trail  TrailKind    `json:"trail,omitempty"`
}

func snapshotStopLoss(sl StopLoss) *StopLossSnapshot {
	if sl == nil {
		return nil
	}
	s := &StopLossSnapshot{Kind: sl.Kind(), Value: sl.Value()}
	if t, ok := sl.(*TrailingStopLoss); ok {
		s.Offset, s.Trail = t.Offset, t.Trail
	}
	return s
}

// restoreStopLoss rebuilds a variant without market data, so no validation against price.
func restoreStopLoss(s *StopLossSnapshot) (StopLoss, error) {
	if s == nil {
		return nil, nil
	}
	switch s.Kind {
	case StopLossFixed:
		return &FixedStopLoss{Level: s.Value}, nil
	case StopLossDaily:
		return &DailyCloseStopLoss{Level: s.Value}, nil
	case StopLossWeekly:
		return &WeeklyCloseStopLoss{Level: s.Value}, nil
	case StopLossTrailing:
		return &TrailingStopLoss{Level: s.Value, Offset: s.Offset, Trail: s.Trail}, nil
	}
	return nil, fmt.Errorf("unknown stop-loss kind %q in snapshot", s.Kind)
}
