// FILE: regularbuy.go
// Package main – Recurring purchase policy.
package main

import (
	"fmt"
	"time"
)

// CurrencySide tells whether a regular-buy amount is in coin or in base currency.
type CurrencySide string

const (
	CurrencyCoin CurrencySide = "coin"
	CurrencyBase CurrencySide = "base"
)

// IntervalUnit is a calendar step.
type IntervalUnit string

const (
	UnitDay   IntervalUnit = "day"
	UnitWeek  IntervalUnit = "week"
	UnitMonth IntervalUnit = "month"
)

// Interval is a calendar-aware period like "2 weeks".
type Interval struct {
	N    int          `json:"n"`
	Unit IntervalUnit `json:"unit"`
}

// After returns t advanced by the interval (months follow time.AddDate rules).
func (iv Interval) After(t time.Time) time.Time {
	switch iv.Unit {
	case UnitWeek:
		return t.AddDate(0, 0, 7*iv.N)
	case UnitMonth:
		return t.AddDate(0, iv.N, 0)
	default:
		return t.AddDate(0, 0, iv.N)
	}
}

func (iv Interval) String() string { return fmt.Sprintf("%d %s", iv.N, iv.Unit) }

// RegularBuy buys Amount every Interval.
type RegularBuy struct {
	Amount   float64      `json:"amount"`
	Currency CurrencySide `json:"currency"`
	Style    OrderType    `json:"style"`
	Interval Interval     `json:"interval"`
	NextDue  time.Time    `json:"next_due"`
}

// limitDiscount places limit-style regular buys this far below the current price.
const limitDiscount = 0.002

// NewRegularBuy validates the policy; the first purchase is due at first.
func NewRegularBuy(amount float64, cur CurrencySide, style OrderType, iv Interval, first time.Time) (*RegularBuy, error) {
	r := &RegularBuy{Amount: amount, Currency: cur, Style: style, Interval: iv, NextDue: first}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// validate also guards restored snapshots; IsDue relies on a positive interval.
func (r *RegularBuy) validate() error {
	if err := validPositive("regular buy amount", r.Amount); err != nil {
		return err
	}
	if r.Currency != CurrencyCoin && r.Currency != CurrencyBase {
		return inputErr("unknown currency side %q", r.Currency)
	}
	if r.Style != OrderMarket && r.Style != OrderLimit {
		return inputErr("unknown order style %q", r.Style)
	}
	if iv := r.Interval; iv.N <= 0 || (iv.Unit != UnitDay && iv.Unit != UnitWeek && iv.Unit != UnitMonth) {
		return inputErr("invalid interval %v", iv)
	}
	return nil
}

// IsDue reports whether a purchase is due at now. When due, NextDue is moved past
// now in whole intervals, so a long downtime yields one purchase, not a burst.
func (r *RegularBuy) IsDue(now time.Time) bool {
	if r.NextDue.After(now) || r.Interval.N <= 0 {
		return false
	}
	for !r.NextDue.After(now) {
		r.NextDue = r.Interval.After(r.NextDue)
	}
	return true
}

// CoinAmount converts the configured amount to coin at price.
func (r *RegularBuy) CoinAmount(price float64) float64 {
	if r.Currency == CurrencyBase {
		return r.Amount / price
	}
	return r.Amount
}
