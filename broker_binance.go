// FILE: broker_binance.go
// Package main – Exchange adapter for Binance spot.
//
// Symbols are "BASE/QUOTE" inside the engine and "BASEQUOTE" on the wire.
// Every error leaving this file is an *ExchangeError whose Kind is one of the
// sentinels in broker.go, so SafeRun can classify it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type BinanceExchange struct {
	client *binance.Client

	mu       sync.Mutex
	markets  map[string]Market // by engine symbol
	maker    float64
	taker    float64
	feesRead bool
}

func NewBinanceExchange(apiKey, secret string, testnet bool) *BinanceExchange {
	binance.UseTestnet = testnet
	return &BinanceExchange{client: binance.NewClient(apiKey, secret)}
}

func (b *BinanceExchange) Name() string { return "binance" }

func (b *BinanceExchange) Capabilities() Capabilities {
	return Capabilities{MarketOrders: true, FetchMyTrades: true, FetchCandles: true}
}

// wireSymbol maps "BTC/USDT" to "BTCUSDT".
func wireSymbol(symbol string) string {
	coin, quote := splitSymbol(symbol)
	if coin == "" {
		return strings.ToUpper(symbol)
	}
	return strings.ToUpper(coin + quote)
}

// ---- markets ----

func (b *BinanceExchange) LoadMarkets(ctx context.Context, reload bool) (map[string]Market, error) {
	b.mu.Lock()
	if b.markets != nil && !reload {
		ms := b.markets
		b.mu.Unlock()
		return ms, nil
	}
	b.mu.Unlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "exchange info")
	}
	maker, taker := b.commissions(ctx)

	ms := make(map[string]Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
			Maker:  maker,
			Taker:  taker,
		}
		if f := s.LotSizeFilter(); f != nil {
			m.AmountStep, m.MinAmount, m.MaxAmount = num(f.StepSize), num(f.MinQuantity), num(f.MaxQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			m.PriceTick, m.MinPrice, m.MaxPrice = num(f.TickSize), num(f.MinPrice), num(f.MaxPrice)
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "NOTIONAL", "MIN_NOTIONAL":
				if v, ok := f["minNotional"].(string); ok {
					m.MinCost = num(v)
				}
			}
		}
		ms[m.Symbol] = m
	}

	b.mu.Lock()
	b.markets = ms
	b.mu.Unlock()
	return ms, nil
}

// commissions reads the account's maker/taker rates once. Without keys the
// public default of 0.1% is used.
func (b *BinanceExchange) commissions(ctx context.Context) (maker, taker float64) {
	b.mu.Lock()
	if b.feesRead {
		maker, taker = b.maker, b.taker
		b.mu.Unlock()
		return maker, taker
	}
	b.mu.Unlock()

	maker, taker = 0.001, 0.001
	if acct, err := b.client.NewGetAccountService().Do(ctx); err == nil {
		// basis points
		maker, taker = float64(acct.MakerCommission)/10000, float64(acct.TakerCommission)/10000
		b.mu.Lock()
		b.maker, b.taker, b.feesRead = maker, taker, true
		b.mu.Unlock()
	}
	return maker, taker
}

// ---- market data ----

func (b *BinanceExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(wireSymbol(symbol)).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinance(err, "ticker %s", symbol)
	}
	if len(stats) == 0 {
		return Ticker{}, exchangeErr(ErrBadResponse, "ticker %s: empty response", symbol)
	}
	s := stats[0]
	t := Ticker{Symbol: symbol, Last: num(s.LastPrice), High: num(s.HighPrice), Low: num(s.LowPrice), Timestamp: time.UnixMilli(s.CloseTime)}
	if t.Last <= 0 {
		return Ticker{}, exchangeErr(ErrBadResponse, "ticker %s: no last price", symbol)
	}
	return t, nil
}

func (b *BinanceExchange) FetchDailyCandles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	ks, err := b.client.NewKlinesService().Symbol(wireSymbol(symbol)).Interval("1d").Limit(limit).Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "klines %s", symbol)
	}
	out := make([]Candle, 0, len(ks))
	for _, k := range ks {
		out = append(out, Candle{
			Time:   time.UnixMilli(k.OpenTime),
			Open:   num(k.Open),
			High:   num(k.High),
			Low:    num(k.Low),
			Close:  num(k.Close),
			Volume: num(k.Volume),
		})
	}
	return out, nil
}

// ---- account ----

func (b *BinanceExchange) FetchBalance(ctx context.Context) (Balance, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "account")
	}
	bal := Balance{}
	for _, x := range acct.Balances {
		free, locked := num(x.Free), num(x.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		bal[x.Asset] = BalanceEntry{Free: free, Used: locked, Total: free + locked}
	}
	return bal, nil
}

func (b *BinanceExchange) SyncTime(ctx context.Context) error {
	if _, err := b.client.NewSetServerTimeService().Do(ctx); err != nil {
		return classifyBinance(err, "server time")
	}
	return nil
}

// ---- orders ----

func (b *BinanceExchange) CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64) (*Order, error) {
	m, err := b.marketOf(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(wireSymbol(symbol)).
		Side(binanceSide(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatDecimal(amount, m.AmountStep)).
		Price(formatDecimal(price, m.PriceTick)).
		Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "limit %s %s", side, symbol)
	}
	return b.fromCreate(symbol, OrderLimit, resp), nil
}

func (b *BinanceExchange) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64) (*Order, error) {
	m, err := b.marketOf(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(wireSymbol(symbol)).
		Side(binanceSide(side)).
		Type(binance.OrderTypeMarket).
		Quantity(formatDecimal(amount, m.AmountStep)).
		Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "market %s %s", side, symbol)
	}
	return b.fromCreate(symbol, OrderMarket, resp), nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return exchangeErr(ErrOrderNotFound, "order id %q", id)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(wireSymbol(symbol)).OrderID(oid).Do(ctx); err != nil {
		return classifyBinance(err, "cancel %s %s", symbol, id)
	}
	return nil
}

func (b *BinanceExchange) FetchOrder(ctx context.Context, id, symbol string) (*Order, error) {
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, exchangeErr(ErrOrderNotFound, "order id %q", id)
	}
	o, err := b.client.NewGetOrderService().Symbol(wireSymbol(symbol)).OrderID(oid).Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "order %s %s", symbol, id)
	}
	filled, cost := num(o.ExecutedQuantity), num(o.CummulativeQuoteQuantity)
	out := &Order{
		ID:        id,
		Symbol:    symbol,
		Side:      fromBinanceSide(o.Side),
		Type:      OrderLimit,
		Status:    fromBinanceStatus(o.Status),
		Price:     num(o.Price),
		Amount:    num(o.OrigQuantity),
		Filled:    filled,
		Cost:      cost,
		Timestamp: time.UnixMilli(o.Time),
	}
	if o.Type == binance.OrderTypeMarket {
		out.Type = OrderMarket
	}
	if filled > 0 {
		out.Average = cost / filled
	}
	return out, nil
}

func (b *BinanceExchange) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	ts, err := b.client.NewListTradesService().Symbol(wireSymbol(symbol)).StartTime(since.UnixMilli()).Do(ctx)
	if err != nil {
		return nil, classifyBinance(err, "trades %s", symbol)
	}
	out := make([]Trade, 0, len(ts))
	for _, t := range ts {
		side := SideSell
		if t.IsBuyer {
			side = SideBuy
		}
		price, amount := num(t.Price), num(t.Quantity)
		out = append(out, Trade{
			ID:        strconv.FormatInt(t.ID, 10),
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Symbol:    symbol,
			Side:      side,
			Price:     price,
			Amount:    amount,
			Cost:      num(t.QuoteQuantity),
			Fee:       Fee{Cost: num(t.Commission), Currency: t.CommissionAsset},
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// CalculateFee estimates the commission. Binance charges it in the asset received.
func (b *BinanceExchange) CalculateFee(m Market, typ OrderType, side OrderSide, amount, price float64) Fee {
	rate := m.Maker
	if typ == OrderMarket {
		rate = m.Taker
	}
	if side == SideBuy {
		return Fee{Cost: amount * rate, Currency: m.Base, Rate: rate}
	}
	return Fee{Cost: amount * price * rate, Currency: m.Quote, Rate: rate}
}

// ---- helpers ----

func (b *BinanceExchange) marketOf(ctx context.Context, symbol string) (Market, error) {
	ms, err := b.LoadMarkets(ctx, false)
	if err != nil {
		return Market{}, err
	}
	m, ok := ms[symbol]
	if !ok {
		return Market{}, exchangeErr(ErrExchange, "unknown symbol %s", symbol)
	}
	return m, nil
}

func (b *BinanceExchange) fromCreate(symbol string, typ OrderType, r *binance.CreateOrderResponse) *Order {
	filled, cost := num(r.ExecutedQuantity), num(r.CummulativeQuoteQuantity)
	o := &Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		Symbol:    symbol,
		Side:      fromBinanceSide(r.Side),
		Type:      typ,
		Status:    fromBinanceStatus(r.Status),
		Price:     num(r.Price),
		Amount:    num(r.OrigQuantity),
		Filled:    filled,
		Cost:      cost,
		Timestamp: time.UnixMilli(r.TransactTime),
	}
	if filled > 0 {
		o.Average = cost / filled
	}
	if len(r.Fills) > 0 {
		fee := &Fee{Currency: r.Fills[0].CommissionAsset}
		for _, f := range r.Fills {
			if f.CommissionAsset == fee.Currency {
				fee.Cost += num(f.Commission)
			}
		}
		o.Fee = fee
	}
	return o
}

func binanceSide(s OrderSide) binance.SideType {
	if s == SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func fromBinanceSide(s binance.SideType) OrderSide {
	if s == binance.SideTypeBuy {
		return SideBuy
	}
	return SideSell
}

func fromBinanceStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return StatusClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return StatusCanceled
	default:
		return StatusOpen
	}
}

// num parses an exchange decimal string; malformed input reads as zero.
func num(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// classifyBinance maps a client error onto the engine's error kinds.
func classifyBinance(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := ErrExchange
		switch apiErr.Code {
		case -1021:
			kind = ErrInvalidNonce
		case -2013:
			kind = ErrOrderNotFound
		case -2011:
			if errorMentions(apiErr, "unknown order") {
				kind = ErrOrderNotFound
			}
		case -2014, -2015, -1022:
			kind = ErrAuthentication
		case -2010:
			if errorMentions(apiErr, "insufficient balance") {
				kind = ErrInsufficientFunds
			}
		case -1121:
			return exchangeErr(ErrExchange, "%s: invalid symbol (%d %s)", what, apiErr.Code, apiErr.Message)
		case -1000, -1001, -1003, -1006, -1007:
			kind = ErrNetwork
		}
		return exchangeErr(kind, "%s: %d %s", what, apiErr.Code, apiErr.Message)
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return exchangeErr(ErrNetwork, "%s: %v", what, err)
	}
	if errorMentions(err, "invalid character", "unexpected end of json") {
		return exchangeErr(ErrBadResponse, "%s: %v", what, err)
	}
	return exchangeErr(ErrExchange, "%s: %v", what, err)
}
