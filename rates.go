// FILE: rates.go
// Package main – Currency conversion for reports.
//
// Rates come from the exchange's own tickers first (direct pair, then the
// inverse pair, then a hop through USDT), and from an HTTP rate API when
// RATES_URL is configured and the exchange cannot price the pair.
package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// RateSource prices one unit of from in to.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (float64, error)
}

// ErrNoRate is returned when no source can price a currency pair.
var ErrNoRate = errors.New("no exchange rate")

// Convert expresses amount of from in to.
func (h *TradeHandler) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	if strings.EqualFold(from, to) {
		return amount, nil
	}
	r, err := h.rates.Rate(ctx, strings.ToUpper(from), strings.ToUpper(to))
	if err != nil {
		return 0, err
	}
	return amount * r, nil
}

// exchangeRates prices currencies with the handler's exchange tickers.
type exchangeRates struct {
	h *TradeHandler
}

// usdAliases are quote currencies treated as USD.
var usdAliases = map[string]string{"USD": "USDT"}

func (r exchangeRates) Rate(ctx context.Context, from, to string) (float64, error) {
	if alias, ok := usdAliases[to]; ok && from == alias {
		return 1, nil
	}
	if v, err := r.pair(ctx, from, to); err == nil {
		return v, nil
	}
	if alias, ok := usdAliases[to]; ok {
		if v, err := r.pair(ctx, from, alias); err == nil {
			return v, nil
		}
	}
	const hub = "USDT"
	if from != hub && to != hub {
		a, errA := r.pair(ctx, from, hub)
		b, errB := r.pair(ctx, hub, to)
		if errA == nil && errB == nil {
			return a * b, nil
		}
	}
	return 0, errors.Wrapf(ErrNoRate, "%s/%s on %s", from, to, r.h.ex.Name())
}

// pair reads from/to or the inverse of to/from.
func (r exchangeRates) pair(ctx context.Context, from, to string) (float64, error) {
	if from == to {
		return 1, nil
	}
	if _, err := r.h.market(ctx, from+"/"+to); err == nil {
		p, err := r.h.prices.Get(ctx, r.h, from+"/"+to)
		if err != nil {
			return 0, err
		}
		return p.Current, nil
	}
	if _, err := r.h.market(ctx, to+"/"+from); err == nil {
		p, err := r.h.prices.Get(ctx, r.h, to+"/"+from)
		if err != nil {
			return 0, err
		}
		if p.Current <= 0 {
			return 0, errors.Wrapf(ErrNoRate, "%s/%s has no price", to, from)
		}
		return 1 / p.Current, nil
	}
	return 0, ErrNoRate
}

// httpRates reads {"rates": {"EUR": 0.92, ...}} from url?base=FROM, the layout
// served by the common open FX endpoints. Responses are cached for ttl.
type httpRates struct {
	url  string
	ttl  time.Duration
	http *resty.Client
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRates
}

type cachedRates struct {
	rates map[string]float64
	at    time.Time
}

func newHTTPRates(url string, ttl time.Duration) *httpRates {
	return &httpRates{
		url:   url,
		ttl:   ttl,
		http:  resty.New().SetTimeout(10 * time.Second).SetRetryCount(2).SetRetryWaitTime(time.Second),
		now:   time.Now,
		cache: map[string]cachedRates{},
	}
}

func (r *httpRates) Rate(ctx context.Context, from, to string) (float64, error) {
	r.mu.Lock()
	c, ok := r.cache[from]
	r.mu.Unlock()
	if !ok || r.now().Sub(c.at) > r.ttl {
		var body struct {
			Rates map[string]float64 `json:"rates"`
		}
		resp, err := r.http.R().
			SetContext(ctx).
			SetQueryParam("base", from).
			SetResult(&body).
			Get(r.url)
		if err != nil {
			return 0, errors.Wrap(err, "rates request")
		}
		if resp.IsError() {
			return 0, errors.Errorf("rates request: %s", resp.Status())
		}
		c = cachedRates{rates: body.Rates, at: r.now()}
		r.mu.Lock()
		r.cache[from] = c
		r.mu.Unlock()
	}
	v, ok := c.rates[to]
	if !ok || v <= 0 {
		return 0, errors.Wrapf(ErrNoRate, "%s/%s from %s", from, to, r.url)
	}
	return v, nil
}

// rateChain asks each source in turn.
type rateChain []RateSource

func (c rateChain) Rate(ctx context.Context, from, to string) (float64, error) {
	err := errors.Wrapf(ErrNoRate, "%s/%s", from, to)
	for _, s := range c {
		v, e := s.Rate(ctx, from, to)
		if e == nil {
			return v, nil
		}
		err = e
	}
	return 0, err
}
