// tools/export_history.go
// CLI to dump the trade history archive (HISTORY_DB) as CSV.
//
// Usage:
//   go run tools/export_history.go -db state/history.db -out history.csv
//   go run tools/export_history.go -db state/history.db -exchange binance -account main
//
// Notes:
// - Without -out the CSV goes to stdout.
// - Empty -exchange/-account select every account in the archive.
package main

import (
	"database/sql"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var header = []string{
	"closed_at", "exchange", "account", "symbol", "name", "quote",
	"cost_in", "proceeds", "gain", "gain_pct", "days_held",
	"report_cur1", "report_gain1", "report_cur2", "report_gain2", "opened_at",
}

func main() {
	db := flag.String("db", os.Getenv("HISTORY_DB"), "Path to the history archive")
	exchange := flag.String("exchange", "", "Only this exchange")
	account := flag.String("account", "", "Only this account")
	out := flag.String("out", "", "Output CSV (default stdout)")
	flag.Parse()

	if *db == "" {
		logrus.Fatal("no archive: pass -db or set HISTORY_DB")
	}
	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			logrus.Fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	n, err := export(*db, *exchange, *account, w)
	if err != nil {
		logrus.Fatalf("%+v", err)
	}
	if *out != "" {
		logrus.Infof("wrote %d records to %s", n, *out)
	}
}

func export(path, exchange, account string, w io.Writer) (int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, errors.Wrap(err, "open sqlite")
	}
	defer db.Close()

	rows, err := db.Query(`SELECT closed_at, exchange, account, symbol, name, quote,
		cost_in, proceeds, gain, gain_pct, days_held,
		report_cur1, report_val1, report_cur2, report_val2, opened_at
		FROM trade_history
		WHERE (? = '' OR exchange = ?) AND (? = '' OR account = ?)
		ORDER BY closed_at, id`, exchange, exchange, account, account)
	if err != nil {
		return 0, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, errors.WithStack(err)
	}
	n := 0
	for rows.Next() {
		var (
			closed, opened                    int64
			ex, acct, sym, name, quote        string
			costIn, proceeds, gain, pct, days float64
			c1, c2                            string
			v1, v2                            sql.NullFloat64
		)
		if err := rows.Scan(&closed, &ex, &acct, &sym, &name, &quote,
			&costIn, &proceeds, &gain, &pct, &days, &c1, &v1, &c2, &v2, &opened); err != nil {
			return n, errors.Wrap(err, "scan history")
		}
		rec := []string{
			time.Unix(closed, 0).UTC().Format(time.RFC3339), ex, acct, sym, name, quote,
			ff(costIn), ff(proceeds), ff(gain), fmt.Sprintf("%.2f", pct), fmt.Sprintf("%.1f", days),
			c1, nf(v1), c2, nf(v2), time.Unix(opened, 0).UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return n, errors.WithStack(err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, errors.Wrap(err, "read history")
	}
	cw.Flush()
	return n, errors.WithStack(cw.Error())
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func nf(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', 2, 64)
}
