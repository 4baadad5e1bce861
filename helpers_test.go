package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testSymbol = "BTC/USDT"

// testClock is a manually advanced time source shared by handler and paper exchange.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier keeps every message.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

// faultyExchange fails FetchOrder with a network error a set number of times.
type faultyExchange struct {
	*PaperExchange

	mu            sync.Mutex
	fetchFailures int
	fetchCalls    int
}

func (f *faultyExchange) FailFetchOrder(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchFailures = n
	f.fetchCalls = 0
}

func (f *faultyExchange) FetchOrderCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *faultyExchange) FetchOrder(ctx context.Context, id, symbol string) (*Order, error) {
	f.mu.Lock()
	f.fetchCalls++
	fail := f.fetchFailures > 0
	if fail {
		f.fetchFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, exchangeErr(ErrNetwork, "read tcp: i/o timeout")
	}
	return f.PaperExchange.FetchOrder(ctx, id, symbol)
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testHandlerConfig() HandlerConfig {
	cfg := DefaultHandlerConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.Debounce = 0
	cfg.PriceTTL = 0
	cfg.ReportCurrencies = [2]string{"USD", ""}
	return cfg
}

// newTestPaper returns a paper exchange with a fee-free BTC/USDT market at 105.
func newTestPaper(clock *testClock) *PaperExchange {
	p := NewPaperExchange()
	p.SetClock(clock.Now)
	p.AddMarket(Market{Symbol: testSymbol, Active: true, AmountStep: 0.0001, PriceTick: 0.01})
	p.SetPrice(testSymbol, 105)
	p.SetBalance("USDT", 1000)
	return p
}

type testEnv struct {
	h      *TradeHandler
	paper  *PaperExchange
	clock  *testClock
	notify *recordingNotifier
}

func newTestEnv(t *testing.T, ex Exchange, paper *PaperExchange, clock *testClock, opts ...HandlerOption) *testEnv {
	t.Helper()
	n := &recordingNotifier{}
	base := []HandlerOption{WithLogger(newTestLogger()), WithNotifier(n), WithClock(clock.Now)}
	h := NewTradeHandler(testHandlerConfig(), ex, append(base, opts...)...)
	return &testEnv{h: h, paper: paper, clock: clock, notify: n}
}

func newTestHandler(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	clock := newTestClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	p := newTestPaper(clock)
	return newTestEnv(t, p, p, clock, opts...)
}

func newFaultyHandler(t *testing.T) (*testEnv, *faultyExchange) {
	t.Helper()
	clock := newTestClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	p := newTestPaper(clock)
	fx := &faultyExchange{PaperExchange: p}
	return newTestEnv(t, fx, p, clock), fx
}

// setMarket replaces the test market, e.g. to change fees.
func (e *testEnv) setMarket(m Market) {
	m.Symbol, m.Active = testSymbol, true
	if m.AmountStep == 0 {
		m.AmountStep = 0.0001
	}
	if m.PriceTick == 0 {
		m.PriceTick = 0.01
	}
	e.paper.AddMarket(m)
	e.h.invalidateMarkets()
}

func (e *testEnv) newSet(t *testing.T) *TradeSet {
	t.Helper()
	ts, err := e.h.CreateTradeSet(context.Background(), testSymbol, "test")
	require.NoError(t, err)
	return ts
}

func (e *testEnv) update(t *testing.T) {
	t.Helper()
	require.NoError(t, e.h.Update(context.Background(), UpdateRegular))
}

func (e *testEnv) openOrders() []Order { return e.paper.OpenOrders(testSymbol) }

func snapshotOf(t *testing.T, ts *TradeSet) TradeSetSnapshot {
	t.Helper()
	s, err := ts.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}
