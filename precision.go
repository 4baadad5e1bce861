// FILE: precision.go
// Package main – Exchange precision and quantity-limit helpers.
//
// Amounts are floored to the lot step (never round up past what the
// account holds), prices are rounded to the nearest tick. Decimal
// arithmetic avoids float drift like 0.30000000000000004 ending up in
// an order payload.
package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// amountToPrecision floors amount to the market's lot step.
func amountToPrecision(m Market, amount float64) float64 {
	if m.AmountStep <= 0 {
		return amount
	}
	step := decimal.NewFromFloat(m.AmountStep)
	return decimal.NewFromFloat(amount).Div(step).Floor().Mul(step).InexactFloat64()
}

// priceToPrecision rounds price to the market's tick size.
func priceToPrecision(m Market, price float64) float64 {
	if m.PriceTick <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(m.PriceTick)
	return decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).InexactFloat64()
}

// digitsFromStep returns the number of decimals implied by a step like 0.001.
func digitsFromStep(step float64, def int) int {
	if step <= 0 {
		return def
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// formatDecimal renders v with exactly the decimals implied by step.
func formatDecimal(v, step float64) string {
	return decimal.NewFromFloat(v).StringFixed(int32(digitsFromStep(step, 8)))
}

// checkLimits validates amount, price and cost against the market's limits.
func checkLimits(m Market, amount, price float64) error {
	cost := amount * price
	switch {
	case m.MinAmount > 0 && amount < m.MinAmount:
		return inputErr("amount %v below minimum %v for %s", amount, m.MinAmount, m.Symbol)
	case m.MaxAmount > 0 && amount > m.MaxAmount:
		return inputErr("amount %v above maximum %v for %s", amount, m.MaxAmount, m.Symbol)
	case m.MinPrice > 0 && price < m.MinPrice:
		return inputErr("price %v below minimum %v for %s", price, m.MinPrice, m.Symbol)
	case m.MaxPrice > 0 && price > m.MaxPrice:
		return inputErr("price %v above maximum %v for %s", price, m.MaxPrice, m.Symbol)
	case m.MinCost > 0 && cost < m.MinCost:
		return inputErr("cost %v below minimum %v for %s", cost, m.MinCost, m.Symbol)
	}
	return nil
}

// validPositive rejects zero, negative, NaN and infinite inputs.
func validPositive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return inputErr("%s must be a positive number, got %v", name, v)
	}
	return nil
}

// ErrInvalidInput marks errors caused by bad caller input; state is left unchanged.
var ErrInvalidInput = errors.New("invalid input")

func inputErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
