// FILE: price.go
// Package main – Per-pair price cache.
package main

import (
	"context"
	"sync"
	"time"
)

// Price is the last observed market state of a pair. Only PriceCache writes it.
type Price struct {
	Symbol     string
	Current    float64
	High       float64
	Low        float64
	ObservedAt time.Time
}

// PriceCache keeps one entry per pair, refetched once older than ttl.
type PriceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*Price
}

func NewPriceCache(ttl time.Duration, now func() time.Time) *PriceCache {
	if now == nil {
		now = time.Now
	}
	return &PriceCache{ttl: ttl, now: now, entries: map[string]*Price{}}
}

// Get returns the cached price of symbol, refreshing it through h when stale.
func (c *PriceCache) Get(ctx context.Context, h *TradeHandler, symbol string) (Price, error) {
	c.mu.Lock()
	if p, ok := c.entries[symbol]; ok && c.now().Sub(p.ObservedAt) < c.ttl {
		cp := *p
		c.mu.Unlock()
		return cp, nil
	}
	c.mu.Unlock()

	t, err := SafeRun(ctx, h, func(ctx context.Context, ex Exchange) (Ticker, error) {
		return ex.FetchTicker(ctx, symbol)
	})
	if err != nil {
		return Price{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[symbol]
	if !ok {
		p = &Price{Symbol: symbol}
		c.entries[symbol] = p
	}
	p.Current, p.High, p.Low, p.ObservedAt = t.Last, t.High, t.Low, c.now()
	return *p, nil
}

// Invalidate drops the cached entry of symbol.
func (c *PriceCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}
