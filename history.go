// FILE: history.go
// Package main – Trade history and text renderers.
//
// A completed trade set leaves one HistoryRecord behind: realized gain in the
// pair's quote currency plus the same gain converted into the two report
// currencies. Records live in the handler snapshot and, when HISTORY_DB is set,
// in a SQLite archive that tools/export_history.go can dump as CSV.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// HistoryRecord is the summary of one completed trade set.
type HistoryRecord struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Name       string             `json:"name,omitempty"`
	Quote      string             `json:"quote"`
	CostIn     float64            `json:"cost_in"`
	Proceeds   float64            `json:"proceeds"`
	Gain       float64            `json:"gain"`
	GainPct    float64            `json:"gain_pct"`
	GainReport map[string]float64 `json:"gain_report,omitempty"`
	DaysHeld   float64            `json:"days_held"`
	OpenedAt   time.Time          `json:"opened_at"`
	ClosedAt   time.Time          `json:"closed_at"`
}

// historyRecordLocked summarizes ts; caller holds the lock.
func (ts *TradeSet) historyRecordLocked(now time.Time) HistoryRecord {
	opened := ts.CreatedAt
	filled := lo.Filter(ts.Buys, func(e *LadderEntry, _ int) bool { return e.Filled() && !e.FilledAt.IsZero() })
	if len(filled) > 0 {
		opened = lo.MinBy(filled, func(a, b *LadderEntry) bool { return a.FilledAt.Before(b.FilledAt) }).FilledAt
	}
	costIn, proceeds := ts.CostIn(), ts.Proceeds()
	r := HistoryRecord{
		ID:       ts.ID,
		Symbol:   ts.Symbol,
		Name:     ts.Name,
		Quote:    ts.Base,
		CostIn:   costIn,
		Proceeds: proceeds,
		Gain:     proceeds - costIn,
		DaysHeld: math.Max(now.Sub(opened).Hours()/24, 0),
		OpenedAt: opened,
		ClosedAt: now,
	}
	if costIn > 0 {
		r.GainPct = r.Gain / costIn * 100
	}
	return r
}

// archiveAndRemove records ts in the trade history and drops it from the handler.
func (h *TradeHandler) archiveAndRemove(ctx context.Context, ts *TradeSet) {
	var rec HistoryRecord
	if err := ts.with(ctx, func() error {
		rec = ts.historyRecordLocked(h.now())
		return nil
	}); err != nil {
		ts.log().WithError(err).Error("archive skipped")
		return
	}
	rec.GainReport = h.convertGain(ctx, rec.Gain, rec.Quote)

	h.mu.Lock()
	h.history = append(h.history, rec)
	h.mu.Unlock()
	h.remove(ts.ID)
	IncArchived()

	if h.archive != nil {
		if err := h.archive.Append(ctx, h.cfg.Exchange, h.cfg.Account, rec); err != nil {
			ts.log().WithError(err).Error("history archive write failed")
		}
	}
	ts.log().Infof("trade set completed, gain %.8f %s (%.2f%%)", rec.Gain, rec.Quote, rec.GainPct)
	h.notify(ctx, "%s %s completed: gain %.8f %s (%.2f%%) after %.0f days",
		rec.Symbol, rec.Name, rec.Gain, rec.Quote, rec.GainPct, rec.DaysHeld)
}

// convertGain expresses amount of quote in each report currency. Currencies
// without a rate are left out.
func (h *TradeHandler) convertGain(ctx context.Context, amount float64, quote string) map[string]float64 {
	out := map[string]float64{}
	for _, cur := range h.cfg.ReportCurrencies {
		if cur == "" {
			continue
		}
		v, err := h.Convert(ctx, amount, quote, cur)
		if err != nil {
			h.log.WithError(err).Warnf("no %s/%s rate for the history record", quote, cur)
			continue
		}
		out[cur] = v
	}
	return out
}

// History returns the completed trade sets, oldest first.
func (h *TradeHandler) History() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryRecord(nil), h.history...)
}

// TradeSetInfo renders one trade set for humans.
func (h *TradeHandler) TradeSetInfo(ctx context.Context, id string) (string, error) {
	ts, ok := h.TradeSet(id)
	if !ok {
		return "", inputErr("no trade set %s", id)
	}
	var b strings.Builder
	err := ts.with(ctx, func() error {
		state := "inactive"
		if ts.Active {
			state = "active"
		}
		fmt.Fprintf(&b, "%s %s (%s) %s\n", ts.Symbol, ts.Name, ts.ID, state)
		if ts.InitAmount > 0 {
			if ts.InitPrice != nil {
				fmt.Fprintf(&b, "  initial: %v %s @ %v\n", ts.InitAmount, ts.Coin, *ts.InitPrice)
			} else {
				fmt.Fprintf(&b, "  initial: %v %s, cost unknown\n", ts.InitAmount, ts.Coin)
			}
		}
		writeLadder(&b, "buy", ts.Buys, ts.ShowFilled)
		writeLadder(&b, "sell", ts.Sells, ts.ShowFilled)
		if ts.StopLoss != nil {
			fmt.Fprintf(&b, "  stop-loss: %s at %v\n", ts.StopLoss.Kind(), ts.StopLoss.Value())
		}
		if rb := ts.RegularBuy; rb != nil {
			fmt.Fprintf(&b, "  regular buy: %v %s every %d %s, next %s\n",
				rb.Amount, rb.Currency, rb.Interval.N, rb.Interval.Unit, rb.NextDue.Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "  holdings: %.8f %s, spent %.8f %s, received %.8f %s\n",
			ts.Holdings(), ts.Coin, ts.CostIn(), ts.Base, ts.Proceeds(), ts.Base)
		fmt.Fprintf(&b, "  profit if all levels fill: %.8f %s\n", ts.ProfitEstimate(), ts.Base)
		return nil
	})
	return b.String(), err
}

func writeLadder(b *strings.Builder, side string, es []*LadderEntry, showFilled bool) {
	for _, e := range es {
		if e.Filled() && !showFilled {
			continue
		}
		state := "pending"
		switch {
		case e.Filled():
			state = "filled " + e.FilledAt.Format("2006-01-02")
		case e.Open():
			state = "open"
		case e.CandleAbove != nil:
			state = fmt.Sprintf("waits for daily close above %v", *e.CandleAbove)
		}
		fmt.Fprintf(b, "  %-4s %v @ %v  %s\n", side, e.Amount, e.Price, state)
	}
}

// TradeHistoryText renders the trade history with per-currency totals.
func (h *TradeHandler) TradeHistoryText() string {
	recs := h.History()
	if len(recs) == 0 {
		return "no completed trade sets\n"
	}
	var b strings.Builder
	totals := map[string]float64{}
	for _, r := range recs {
		fmt.Fprintf(&b, "%s %-10s %s  %+.8f %s (%+.2f%%, %.0f days)",
			r.ClosedAt.Format("2006-01-02"), r.Symbol, r.Name, r.Gain, r.Quote, r.GainPct, r.DaysHeld)
		curs := lo.Keys(r.GainReport)
		sort.Strings(curs)
		for _, cur := range curs {
			fmt.Fprintf(&b, "  %+.2f %s", r.GainReport[cur], cur)
		}
		b.WriteString("\n")
		for cur, v := range r.GainReport {
			totals[cur] += v
		}
	}
	keys := lo.Keys(totals)
	sort.Strings(keys)
	for _, cur := range keys {
		fmt.Fprintf(&b, "total %+.2f %s\n", totals[cur], cur)
	}
	return b.String()
}

// ---- SQLite archive ----

// HistoryArchive appends completed trade sets to a SQLite table.
type HistoryArchive struct {
	db *sql.DB
}

const historySchema = `CREATE TABLE IF NOT EXISTS trade_history (
	id          TEXT NOT NULL,
	exchange    TEXT NOT NULL,
	account     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	quote       TEXT NOT NULL,
	cost_in     REAL NOT NULL,
	proceeds    REAL NOT NULL,
	gain        REAL NOT NULL,
	gain_pct    REAL NOT NULL,
	report_cur1 TEXT NOT NULL DEFAULT '',
	report_val1 REAL,
	report_cur2 TEXT NOT NULL DEFAULT '',
	report_val2 REAL,
	days_held   REAL NOT NULL,
	opened_at   INTEGER NOT NULL,
	closed_at   INTEGER NOT NULL,
	PRIMARY KEY (exchange, account, id)
)`

// OpenHistoryArchive opens (and creates) the archive at path.
func OpenHistoryArchive(path string) (*HistoryArchive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "history dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "history schema")
	}
	return &HistoryArchive{db: db}, nil
}

// Append stores rec; a record already archived for the same id is replaced.
func (a *HistoryArchive) Append(ctx context.Context, exchange, account string, rec HistoryRecord) error {
	cur := lo.Keys(rec.GainReport)
	sort.Strings(cur)
	var (
		c1, c2 string
		v1, v2 sql.NullFloat64
	)
	if len(cur) > 0 {
		c1, v1 = cur[0], sql.NullFloat64{Float64: rec.GainReport[cur[0]], Valid: true}
	}
	if len(cur) > 1 {
		c2, v2 = cur[1], sql.NullFloat64{Float64: rec.GainReport[cur[1]], Valid: true}
	}
	_, err := a.db.ExecContext(ctx, `INSERT OR REPLACE INTO trade_history
		(id, exchange, account, symbol, name, quote, cost_in, proceeds, gain, gain_pct,
		 report_cur1, report_val1, report_cur2, report_val2, days_held, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, exchange, account, rec.Symbol, rec.Name, rec.Quote, rec.CostIn, rec.Proceeds, rec.Gain, rec.GainPct,
		c1, v1, c2, v2, rec.DaysHeld, rec.OpenedAt.Unix(), rec.ClosedAt.Unix())
	return errors.Wrap(err, "history insert")
}

// List returns the archived records of one account, oldest first.
func (a *HistoryArchive) List(ctx context.Context, exchange, account string) ([]HistoryRecord, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, symbol, name, quote, cost_in, proceeds, gain, gain_pct,
		report_cur1, report_val1, report_cur2, report_val2, days_held, opened_at, closed_at
		FROM trade_history WHERE exchange = ? AND account = ? ORDER BY closed_at, id`, exchange, account)
	if err != nil {
		return nil, errors.Wrap(err, "history query")
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			r              HistoryRecord
			c1, c2         string
			v1, v2         sql.NullFloat64
			opened, closed int64
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Name, &r.Quote, &r.CostIn, &r.Proceeds, &r.Gain, &r.GainPct,
			&c1, &v1, &c2, &v2, &r.DaysHeld, &opened, &closed); err != nil {
			return nil, errors.Wrap(err, "history scan")
		}
		r.GainReport = map[string]float64{}
		if c1 != "" && v1.Valid {
			r.GainReport[c1] = v1.Float64
		}
		if c2 != "" && v2.Valid {
			r.GainReport[c2] = v2.Float64
		}
		r.OpenedAt, r.ClosedAt = time.Unix(opened, 0).UTC(), time.Unix(closed, 0).UTC()
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "history rows")
}

func (a *HistoryArchive) Close() error { return a.db.Close() }
