// FILE: broker.go
// Package main – Exchange abstractions shared by all execution backends.
//
// This file defines the capability surface the trade-set engine needs from a
// spot exchange (paper or real):
//   • Exchange interface: markets, tickers, balances, daily candles, orders, fills, fees
//   • Common types: OrderSide, OrderType, OrderStatus, Order, Trade, Market, Balance
//   • Error classes the call wrapper (saferun.go) branches on
//
// Concrete implementations live in separate files:
//   • broker_paper.go    – in-memory paper exchange (dry runs and tests)
//   • broker_binance.go  – Binance spot via github.com/adshao/go-binance/v2
//
// Nothing outside saferun.go calls an Exchange directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderStatus is the normalized lifecycle state reported by the exchange.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Fee is a trading fee in a given currency.
type Fee struct {
	Cost     float64 `json:"cost"`
	Currency string  `json:"currency"`
	Rate     float64 `json:"rate"`
}

// Order is a normalized view of an exchange order.
type Order struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Status    OrderStatus
	Price     float64 // limit price (0 for market orders)
	Average   float64 // average fill price, 0 if unknown
	Amount    float64 // requested coin amount
	Filled    float64 // filled coin amount
	Cost      float64 // filled quote amount
	Fee       *Fee
	Timestamp time.Time
}

// FillPrice returns the best known execution price for the filled part.
func (o *Order) FillPrice() float64 {
	switch {
	case o.Average > 0:
		return o.Average
	case o.Filled > 0 && o.Cost > 0:
		return o.Cost / o.Filled
	default:
		return o.Price
	}
}

// Trade is one fill belonging to an order.
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     float64
	Amount    float64
	Cost      float64
	Fee       Fee
	Timestamp time.Time
}

// Ticker carries the last price and the rolling 24h range.
type Ticker struct {
	Symbol    string
	Last      float64
	High      float64
	Low       float64
	Timestamp time.Time
}

// Candle is one OHLCV bar; Time is the bar open.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Market holds the trading rules of one pair. Zero limits mean "no limit".
type Market struct {
	Symbol     string
	Base       string // coin, e.g. BTC
	Quote      string // base currency in trade-set terms, e.g. USDT
	Active     bool
	AmountStep float64
	PriceTick  float64
	MinAmount  float64
	MaxAmount  float64
	MinPrice   float64
	MaxPrice   float64
	MinCost    float64
	Maker      float64
	Taker      float64
}

// BalanceEntry is the free/used split of one currency.
type BalanceEntry struct {
	Free  float64
	Used  float64
	Total float64
}

// Balance maps currency code to its entry.
type Balance map[string]BalanceEntry

// Free returns the free amount of currency, zero when absent.
func (b Balance) Free(currency string) float64 { return b[currency].Free }

// Capabilities reports the optional features an exchange supports.
type Capabilities struct {
	MarketOrders  bool
	FetchMyTrades bool
	FetchCandles  bool
}

// Exchange is the minimal surface the trade-set engine needs from a venue.
type Exchange interface {
	Name() string
	Capabilities() Capabilities
	LoadMarkets(ctx context.Context, reload bool) (map[string]Market, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchBalance(ctx context.Context) (Balance, error)
	FetchDailyCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)
	CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64) (*Order, error)
	CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64) (*Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchOrder(ctx context.Context, id, symbol string) (*Order, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error)
	CalculateFee(m Market, typ OrderType, side OrderSide, amount, price float64) Fee
	SyncTime(ctx context.Context) error
}

// ---- Error classes ----

var (
	ErrNetwork           = errors.New("network error")
	ErrInvalidNonce      = errors.New("invalid nonce")
	ErrOrderNotFound     = errors.New("order not found")
	ErrAuthentication    = errors.New("authentication error")
	ErrBadResponse       = errors.New("bad response")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotSupported      = errors.New("not supported")
	ErrExchange          = errors.New("exchange error")
)

// ExchangeError tags a venue error with one of the classes above.
type ExchangeError struct {
	Kind error
	Msg  string
}

func (e *ExchangeError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

func (e *ExchangeError) Unwrap() error { return e.Kind }

func exchangeErr(kind error, format string, args ...any) error {
	return &ExchangeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// errorMentions reports whether err's text contains any of words (case-insensitive).
func errorMentions(err error, words ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// splitSymbol splits "BTC/USDT" (or "BTC-USDT") into coin and base currency.
func splitSymbol(symbol string) (coin, base string) {
	symbol = strings.TrimSpace(symbol)
	for _, sep := range []string{"/", "-"} {
		if parts := strings.SplitN(symbol, sep, 2); len(parts) == 2 {
			return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		}
	}
	return "", ""
}
