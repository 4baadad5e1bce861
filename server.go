// FILE: server.go
// Package main – Ops HTTP server.
//
// Health, Prometheus metrics, and a small JSON API over the handler's trade
// sets so an operator (or a chat front end) can inspect and steer them.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type opsServer struct {
	h *TradeHandler
}

// newRouter wires every route of the ops API.
func newRouter(h *TradeHandler) *mux.Router {
	s := &opsServer{h: h}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/balance", s.balance).Methods(http.MethodGet)
	r.HandleFunc("/history", s.history).Methods(http.MethodGet)
	r.HandleFunc("/update", s.update).Methods(http.MethodPost)

	ts := r.PathPrefix("/tradesets").Subrouter()
	ts.HandleFunc("", s.listSets).Methods(http.MethodGet)
	ts.HandleFunc("", s.createSet).Methods(http.MethodPost)
	ts.HandleFunc("/{id}", s.getSet).Methods(http.MethodGet)
	ts.HandleFunc("/{id}", s.deleteSet).Methods(http.MethodDelete)
	ts.HandleFunc("/{id}/buys", s.addLevel(SideBuy)).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/sells", s.addLevel(SideSell)).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/init", s.initCoins).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/activate", s.activate).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/deactivate", s.deactivate).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/sell_all", s.sellAll).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/stoploss", s.setStopLoss).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/stoploss", s.clearStopLoss).Methods(http.MethodDelete)
	ts.HandleFunc("/{id}/stoploss/break_even", s.breakEven).Methods(http.MethodPost)
	ts.HandleFunc("/{id}/regular_buy", s.regularBuy).Methods(http.MethodPost)
	return r
}

func newHTTPServer(addr string, h *TradeHandler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s))
}

func (s *opsServer) fail(w http.ResponseWriter, err error) {
	var refusedErr *RefusedError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.As(err, &refusedErr):
		code = http.StatusConflict
	case errors.Is(err, ErrExchangeDown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, ErrInsufficientFunds):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.h.log.WithError(err).Error("ops request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(v); err != nil {
		return inputErr("request body: %v", err)
	}
	return nil
}

func (s *opsServer) set(w http.ResponseWriter, r *http.Request) (*TradeSet, bool) {
	id := mux.Vars(r)["id"]
	ts, ok := s.h.TradeSet(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no trade set " + id})
	}
	return ts, ok
}

func wantsText(r *http.Request) bool { return r.URL.Query().Get("format") == "text" }

// ---- handlers ----

func (s *opsServer) health(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.h.IsDown() {
		status, code = "exchange down", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"exchange":      s.h.cfg.Exchange,
		"account":       s.h.cfg.Account,
		"authenticated": s.h.Authenticated(),
	})
}

func (s *opsServer) balance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.h.Balance())
}

func (s *opsServer) history(w http.ResponseWriter, r *http.Request) {
	if wantsText(r) {
		writeText(w, s.h.TradeHistoryText())
		return
	}
	writeJSON(w, http.StatusOK, s.h.History())
}

func (s *opsServer) update(w http.ResponseWriter, r *http.Request) {
	mode := UpdateRegular
	switch r.URL.Query().Get("mode") {
	case "candle":
		mode = UpdateDailyCandle
	case "tax":
		mode = UpdateTaxWindow
	}
	if err := s.h.Update(r.Context(), mode); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "done", "mode": mode.String()})
}

func (s *opsServer) listSets(w http.ResponseWriter, r *http.Request) {
	out := []TradeSetSnapshot{}
	for _, ts := range s.h.TradeSets() {
		snap, err := ts.Snapshot(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *opsServer) createSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	ts, err := s.h.CreateTradeSet(r.Context(), req.Symbol, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ts.ID})
}

func (s *opsServer) getSet(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	if wantsText(r) {
		txt, err := s.h.TradeSetInfo(r.Context(), ts.ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeText(w, txt)
		return
	}
	snap, err := ts.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *opsServer) deleteSet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sellAll := r.URL.Query().Get("sell_all") == "1" || r.URL.Query().Get("sell_all") == "true"
	if err := s.h.DeleteTradeSet(r.Context(), id, sellAll); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *opsServer) addLevel(side OrderSide) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, ok := s.set(w, r)
		if !ok {
			return
		}
		var req struct {
			Price       float64  `json:"price"`
			Amount      float64  `json:"amount"`
			CandleAbove *float64 `json:"candle_above"`
		}
		if err := decode(r, &req); err != nil {
			s.fail(w, err)
			return
		}
		var err error
		if side == SideBuy {
			err = ts.AddBuyLevel(r.Context(), req.Price, req.Amount, req.CandleAbove)
		} else {
			err = ts.AddSellLevel(r.Context(), req.Price, req.Amount)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
	}
}

func (s *opsServer) initCoins(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	var req struct {
		Price  float64 `json:"price"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := ts.AddInitCoins(r.Context(), req.Price, req.Amount); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set"})
}

func (s *opsServer) activate(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	active, err := ts.Activate(r.Context(), true)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (s *opsServer) deactivate(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	mode := CancelKeep
	if r.URL.Query().Get("cancel") == "delete" {
		mode = CancelDelete
	}
	if err := ts.Deactivate(r.Context(), mode); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (s *opsServer) sellAll(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	var req struct {
		Price *float64 `json:"price"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}
	settled, err := ts.SellAllNow(r.Context(), req.Price)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"settled": settled})
}

func (s *opsServer) setStopLoss(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind   StopLossKind `json:"kind"`
		Value  float64      `json:"value"`
		Offset float64      `json:"offset"`
		Trail  TrailKind    `json:"trail"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Kind == StopLossTrailing {
		if err := ts.SetTrailingStopLoss(r.Context(), req.Offset, req.Trail); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "set"})
		return
	}
	warn, err := ts.SetStopLoss(r.Context(), req.Kind, req.Value)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set", "warning": warn})
}

func (s *opsServer) clearStopLoss(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	if err := ts.ClearStopLoss(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *opsServer) breakEven(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	set, err := ts.SetSLBreakEven(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"set": set})
}

func (s *opsServer) regularBuy(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.set(w, r)
	if !ok {
		return
	}
	var req SeedRegularBuy
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	rb, err := NewRegularBuy(req.Amount, req.Currency, req.Style, Interval{N: req.Every, Unit: req.Unit}, s.h.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := ts.SetRegularBuy(r.Context(), rb); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set", "next_due": rb.NextDue.Format(time.RFC3339)})
}
