// FILE: live.go
// Package main – Live loop and time helpers.
//
// Scheduler drives a TradeHandler in real time:
//   • every UpdateInterval a regular pass (stop-losses, regular buys, ladders)
//   • every BalanceRefresh a balance refresh between passes
//   • once a day, just after the daily candle closes, the candle-trigger pass
//   • once a day the tax-window pass
//
// Each schedule runs in its own goroutine under one errgroup; a failing pass
// is logged and the schedule keeps going. Only ctx cancellation stops it.
package main

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// candleCloseDelay gives the exchange time to publish the closed daily candle.
const candleCloseDelay = 5 * time.Minute

type Scheduler struct {
	h   *TradeHandler
	cfg Config
	now func() time.Time
}

func NewScheduler(h *TradeHandler, cfg Config) *Scheduler {
	return &Scheduler{h: h, cfg: cfg, now: time.Now}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.h.log
	log.Infof("scheduler started: update=%v balance=%v candle=%02d:05 tax=%02d:00",
		s.cfg.UpdateInterval, s.cfg.BalanceRefresh, s.cfg.CandleCheckHour, s.cfg.TaxCheckHour)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pass(ctx, UpdateRegular)
		return s.every(ctx, s.cfg.UpdateInterval, func() { s.pass(ctx, UpdateRegular) })
	})
	g.Go(func() error {
		return s.every(ctx, s.cfg.BalanceRefresh, func() {
			if s.h.IsDown() {
				return
			}
			ran, err := s.h.refreshBalanceIdle(ctx)
			if err != nil {
				log.WithError(err).Warn("balance refresh failed")
			} else if !ran {
				log.Debug("balance refresh skipped, pass in progress")
			}
		})
	})
	g.Go(func() error {
		return s.daily(ctx, s.cfg.CandleCheckHour, candleCloseDelay, func() { s.pass(ctx, UpdateDailyCandle) })
	})
	g.Go(func() error {
		return s.daily(ctx, s.cfg.TaxCheckHour, 0, func() { s.pass(ctx, UpdateTaxWindow) })
	})
	err := g.Wait()
	log.Info("scheduler stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Scheduler) pass(ctx context.Context, mode UpdateMode) {
	start := time.Now()
	if err := s.h.Update(ctx, mode); err != nil && ctx.Err() == nil {
		s.h.log.WithError(err).Warnf("%s pass failed", mode)
		return
	}
	s.h.log.Debugf("%s pass took %v", mode, time.Since(start))
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, fn func()) error {
	if d <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}

func (s *Scheduler) daily(ctx context.Context, hour int, delay time.Duration, fn func()) error {
	for {
		if err := sleepCtx(ctx, time.Until(nextDaily(s.now(), hour, delay))); err != nil {
			return err
		}
		fn()
	}
}

// nextDaily returns the first local time strictly after now at hour:00 plus delay.
func nextDaily(now time.Time, hour int, delay time.Duration) time.Time {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location()).Add(delay)
	if !at.After(now) {
		at = time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, now.Location()).Add(delay)
	}
	return at
}
