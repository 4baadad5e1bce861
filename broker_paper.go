// FILE: broker_paper.go
// Package main – In-memory paper exchange (no external calls).
//
// PaperExchange simulates a spot venue: markets, balances, resting limit
// orders and immediate market fills. It backs dry runs (BROKER=paper) and
// is the exchange double used by the tests.
//
// Simulation rules:
//   • Limit orders rest until SetPrice crosses them (or FillOrder is called).
//   • Market orders fill at the last price.
//   • Fees are charged in the received currency (coin on buys, quote on sells),
//     maker rate for limit orders and taker rate for market orders.
//   • Funds are reserved while an order rests; placement without them fails
//     with ErrInsufficientFunds.
package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperExchange keeps all venue state in memory.
type PaperExchange struct {
	mu       sync.Mutex
	markets  map[string]Market
	tickers  map[string]Ticker
	candles  map[string][]Candle
	balances map[string]*BalanceEntry
	orders   map[string]*Order
	trades   []Trade
	caps     Capabilities
	now      func() time.Time
	calls    map[string]int
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		markets:  map[string]Market{},
		tickers:  map[string]Ticker{},
		candles:  map[string][]Candle{},
		balances: map[string]*BalanceEntry{},
		orders:   map[string]*Order{},
		caps:     Capabilities{MarketOrders: true, FetchMyTrades: true, FetchCandles: true},
		now:      func() time.Time { return time.Now().UTC() },
		calls:    map[string]int{},
	}
}

func (p *PaperExchange) Name() string { return "paper" }

// ---- Simulation controls ----

// AddMarket registers a tradable pair. Base/Quote are derived from the symbol when empty.
func (p *PaperExchange) AddMarket(m Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Base == "" || m.Quote == "" {
		m.Base, m.Quote = splitSymbol(m.Symbol)
	}
	p.markets[m.Symbol] = m
}

// SetBalance sets the free amount of a currency.
func (p *PaperExchange) SetBalance(currency string, free float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entry(currency).Free = free
}

// SetCapabilities overrides the optional feature flags.
func (p *PaperExchange) SetCapabilities(c Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = c
}

// SetClock replaces the time source.
func (p *PaperExchange) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetCandles replaces the daily candle history of symbol.
func (p *PaperExchange) SetCandles(symbol string, cs []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = append([]Candle(nil), cs...)
}

// SetPrice moves the last price and fills every resting limit order it crosses.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickers[symbol]
	if !ok || t.Last <= 0 {
		t.High, t.Low = price, price
	}
	t.Symbol, t.Last, t.Timestamp = symbol, price, p.now()
	if price > t.High {
		t.High = price
	}
	if price < t.Low {
		t.Low = price
	}
	p.tickers[symbol] = t

	for _, o := range p.sortedOrders() {
		if o.Symbol != symbol || o.Status != StatusOpen {
			continue
		}
		if (o.Side == SideBuy && price <= o.Price) || (o.Side == SideSell && price >= o.Price) {
			p.fill(o, o.Amount-o.Filled, o.Price)
		}
	}
}

// FillOrder fills amount of a resting order at its limit price.
func (p *PaperExchange) FillOrder(id string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[id]; ok && o.Status == StatusOpen {
		if rem := o.Amount - o.Filled; amount > rem {
			amount = rem
		}
		p.fill(o, amount, o.Price)
	}
}

// CancelExternally cancels an order as if done outside this process.
func (p *PaperExchange) CancelExternally(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[id]; ok && o.Status == StatusOpen {
		p.cancel(o)
	}
}

// OpenOrders lists resting orders on symbol in placement order.
func (p *PaperExchange) OpenOrders(symbol string) []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.sortedOrders() {
		if o.Symbol == symbol && o.Status == StatusOpen {
			out = append(out, *o)
		}
	}
	return out
}

// Calls returns how many times method was invoked.
func (p *PaperExchange) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// ---- Exchange implementation ----

func (p *PaperExchange) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

func (p *PaperExchange) LoadMarkets(ctx context.Context, reload bool) (map[string]Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["LoadMarkets"]++
	out := make(map[string]Market, len(p.markets))
	for k, v := range p.markets {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["FetchTicker"]++
	t, ok := p.tickers[symbol]
	if !ok {
		return Ticker{}, exchangeErr(ErrExchange, "unknown symbol %s", symbol)
	}
	return t, nil
}

func (p *PaperExchange) FetchBalance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["FetchBalance"]++
	out := Balance{}
	for cur, e := range p.balances {
		out[cur] = BalanceEntry{Free: e.Free, Used: e.Used, Total: e.Free + e.Used}
	}
	return out, nil
}

func (p *PaperExchange) FetchDailyCandles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["FetchDailyCandles"]++
	cs := p.candles[symbol]
	if limit > 0 && len(cs) > limit {
		cs = cs[len(cs)-limit:]
	}
	return append([]Candle(nil), cs...), nil
}

func (p *PaperExchange) CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["CreateLimitOrder"]++
	o, err := p.place(symbol, side, OrderLimit, amount, price)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func (p *PaperExchange) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["CreateMarketOrder"]++
	if !p.caps.MarketOrders {
		return nil, exchangeErr(ErrNotSupported, "market orders disabled")
	}
	last := p.tickers[symbol].Last
	if last <= 0 {
		return nil, exchangeErr(ErrExchange, "no price for symbol %s", symbol)
	}
	o, err := p.place(symbol, side, OrderMarket, amount, last)
	if err != nil {
		return nil, err
	}
	p.fill(o, amount, last)
	o.Price = 0
	cp := *o
	return &cp, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["CancelOrder"]++
	o, ok := p.orders[id]
	if !ok {
		return exchangeErr(ErrOrderNotFound, "order %s", id)
	}
	if o.Status != StatusOpen {
		return exchangeErr(ErrExchange, "order %s is %s", id, o.Status)
	}
	p.cancel(o)
	return nil
}

func (p *PaperExchange) FetchOrder(ctx context.Context, id, symbol string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["FetchOrder"]++
	o, ok := p.orders[id]
	if !ok {
		return nil, exchangeErr(ErrOrderNotFound, "order %s", id)
	}
	cp := *o
	return &cp, nil
}

func (p *PaperExchange) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["FetchMyTrades"]++
	if !p.caps.FetchMyTrades {
		return nil, exchangeErr(ErrNotSupported, "trade history disabled")
	}
	var out []Trade
	for _, t := range p.trades {
		if t.Symbol == symbol && !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *PaperExchange) CalculateFee(m Market, typ OrderType, side OrderSide, amount, price float64) Fee {
	rate := m.Maker
	if typ == OrderMarket {
		rate = m.Taker
	}
	if side == SideBuy {
		return Fee{Cost: amount * rate, Currency: m.Base, Rate: rate}
	}
	return Fee{Cost: amount * price * rate, Currency: m.Quote, Rate: rate}
}

func (p *PaperExchange) SyncTime(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["SyncTime"]++
	return nil
}

// ---- internals (caller holds p.mu) ----

func (p *PaperExchange) entry(currency string) *BalanceEntry {
	e, ok := p.balances[currency]
	if !ok {
		e = &BalanceEntry{}
		p.balances[currency] = e
	}
	return e
}

func (p *PaperExchange) sortedOrders() []*Order {
	out := make([]*Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (p *PaperExchange) place(symbol string, side OrderSide, typ OrderType, amount, price float64) (*Order, error) {
	m, ok := p.markets[symbol]
	if !ok {
		return nil, exchangeErr(ErrExchange, "unknown symbol %s", symbol)
	}
	if amount <= 0 || price <= 0 {
		return nil, exchangeErr(ErrExchange, "invalid order amount=%v price=%v", amount, price)
	}
	// reserve funds
	if side == SideBuy {
		q := p.entry(m.Quote)
		if q.Free+1e-12 < amount*price {
			return nil, exchangeErr(ErrInsufficientFunds, "need %v %s, have %v", amount*price, m.Quote, q.Free)
		}
		q.Free -= amount * price
		q.Used += amount * price
	} else {
		c := p.entry(m.Base)
		if c.Free+1e-12 < amount {
			return nil, exchangeErr(ErrInsufficientFunds, "need %v %s, have %v", amount, m.Base, c.Free)
		}
		c.Free -= amount
		c.Used += amount
	}
	// keep placement order stable even with a frozen clock
	ts := p.now().Add(time.Duration(len(p.orders)) * time.Nanosecond)
	o := &Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Status:    StatusOpen,
		Price:     price,
		Amount:    amount,
		Timestamp: ts,
	}
	p.orders[o.ID] = o
	return o, nil
}

func (p *PaperExchange) fill(o *Order, amount, price float64) {
	if amount <= 0 {
		return
	}
	m := p.markets[o.Symbol]
	typ := o.Type
	fee := p.CalculateFee(m, typ, o.Side, amount, price)
	cost := amount * price
	if o.Side == SideBuy {
		q := p.entry(m.Quote)
		q.Used -= amount * o.Price
		q.Free += amount*o.Price - cost // price improvement goes back to free
		p.entry(m.Base).Free += amount - fee.Cost
	} else {
		p.entry(m.Base).Used -= amount
		p.entry(m.Quote).Free += cost - fee.Cost
	}
	prevCost := o.Cost
	o.Filled += amount
	o.Cost = prevCost + cost
	o.Average = o.Cost / o.Filled
	if o.Fee == nil {
		o.Fee = &Fee{Currency: fee.Currency, Rate: fee.Rate}
	}
	o.Fee.Cost += fee.Cost
	if o.Filled >= o.Amount-1e-12 {
		o.Status = StatusClosed
	}
	p.trades = append(p.trades, Trade{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     price,
		Amount:    amount,
		Cost:      cost,
		Fee:       fee,
		Timestamp: p.now(),
	})
}

func (p *PaperExchange) cancel(o *Order) {
	m := p.markets[o.Symbol]
	rem := o.Amount - o.Filled
	if o.Side == SideBuy {
		q := p.entry(m.Quote)
		q.Used -= rem * o.Price
		q.Free += rem * o.Price
	} else {
		c := p.entry(m.Base)
		c.Used -= rem
		c.Free += rem
	}
	o.Status = StatusCanceled
}
