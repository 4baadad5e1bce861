// FILE: saferun.go
// Package main – Resilient exchange calls.
//
// SafeRun is the single path through which the engine talks to an Exchange.
// It classifies failures and applies the retry policy below; exhausting a
// budget surfaces the error to the caller, which unwinds to the trade-set
// lock holder (locks are always released by deferred unlocks).
//
//   class                         retries        side effect
//   invalid nonce / clock drift   unlimited      SyncTime before each retry
//   network                       NetworkRetries mark handler down on exhaustion
//   order not found               NetworkRetries -
//   authentication                NetworkRetries -
//   bad response                  0              mark handler down
//   exchange error about "symbol" SymbolRetries  reload markets before retry
//   "unknown error"/"connection"  SymbolRetries  -
//   insufficient funds            0              returned to the caller as is
//   anything else                 0              logged with stack
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type runOptions struct {
	quiet bool
	owner string
}

// RunOption tunes a single SafeRun call.
type RunOption func(*runOptions)

// Quiet logs exhausted retries at debug level and skips notifications.
func Quiet() RunOption { return func(o *runOptions) { o.quiet = true } }

// OwnedBy tags log lines with the trade set on whose behalf the call runs.
func OwnedBy(id string) RunOption { return func(o *runOptions) { o.owner = id } }

// SafeRun executes op against h's exchange with classification-based retries.
func SafeRun[T any](ctx context.Context, h *TradeHandler, op func(context.Context, Exchange) (T, error), opts ...RunOption) (T, error) {
	var o runOptions
	for _, fn := range opts {
		fn(&o)
	}
	var (
		zero                                 T
		network, notFound, auth, sym, unknwn int
	)
	log := h.log
	if o.owner != "" {
		log = log.WithField("tradeset", o.owner)
	}

	for {
		res, err := op(ctx, h.ex)
		if err == nil {
			h.markUp()
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		switch {
		case errors.Is(err, ErrInvalidNonce):
			IncRetry("nonce")
			if serr := h.ex.SyncTime(ctx); serr != nil {
				log.WithError(serr).Warn("clock resync failed")
			}
		case errors.Is(err, ErrNetwork):
			if network++; network > h.cfg.NetworkRetries {
				h.markDown(err)
				return zero, h.giveUp(ctx, err, o)
			}
			IncRetry("network")
		case errors.Is(err, ErrOrderNotFound):
			if notFound++; notFound > h.cfg.NetworkRetries {
				return zero, h.giveUp(ctx, err, o)
			}
			IncRetry("not_found")
		case errors.Is(err, ErrAuthentication):
			if auth++; auth > h.cfg.NetworkRetries {
				return zero, h.giveUp(ctx, err, o)
			}
			IncRetry("auth")
		case errors.Is(err, ErrBadResponse):
			h.markDown(err)
			return zero, h.giveUp(ctx, err, o)
		case errors.Is(err, ErrExchange) && errorMentions(err, "symbol"):
			if sym++; sym > h.cfg.SymbolRetries {
				return zero, h.giveUp(ctx, err, o)
			}
			IncRetry("symbol")
			if _, lerr := h.ex.LoadMarkets(ctx, true); lerr != nil {
				log.WithError(lerr).Warn("market reload failed")
			} else {
				h.invalidateMarkets()
			}
			continue
		case errorMentions(err, "unknown error", "connection"):
			if unknwn++; unknwn > h.cfg.SymbolRetries {
				return zero, h.giveUp(ctx, err, o)
			}
			IncRetry("unknown")
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrNotSupported):
			return zero, err
		default:
			log.Errorf("exchange call failed: %+v", errors.WithStack(err))
			return zero, err
		}

		log.WithError(err).Debug("retrying exchange call")
		if serr := sleepCtx(ctx, h.cfg.RetryBackoff); serr != nil {
			return zero, serr
		}
	}
}

// giveUp reports an exhausted retry budget and returns err unchanged.
func (h *TradeHandler) giveUp(ctx context.Context, err error, o runOptions) error {
	entry := h.log.WithError(err)
	if o.owner != "" {
		entry = entry.WithField("tradeset", o.owner)
	}
	if o.quiet {
		entry.Debug("exchange call gave up")
		return err
	}
	entry.Error("exchange call gave up")
	h.notify(ctx, "exchange %s: %v", h.ex.Name(), err)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
