// Package server exposes the JSON facade and the embedded dashboard. It only
// reads state snapshots; it never participates in the control loop beyond
// forwarding operator overrides to the controller.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eosconnect/eosconnect/pkg/battery"
	"github.com/eosconnect/eosconnect/pkg/common"
	"github.com/eosconnect/eosconnect/pkg/control"
	"github.com/eosconnect/eosconnect/pkg/evcc"
	"github.com/eosconnect/eosconnect/pkg/load"
	"github.com/eosconnect/eosconnect/pkg/log"
	"github.com/eosconnect/eosconnect/pkg/price"
	"github.com/eosconnect/eosconnect/pkg/pv"
	"github.com/eosconnect/eosconnect/pkg/scheduler"
	"github.com/eosconnect/eosconnect/pkg/store"
	"github.com/eosconnect/eosconnect/web"
)

// recentChangeWindow is how far back the facade looks when reporting whether
// the controller touched the inverter recently.
const recentChangeWindow = 5 * time.Minute

// Server handles the HTTP facade for the coordinator.
type Server struct {
	listenAddr string
	loc        *time.Location

	control   *control.Controller
	batteries *battery.Provider
	ev        *evcc.Provider
	prices    *price.Provider
	pv        *pv.Provider
	load      *load.Provider
	sched     *scheduler.Scheduler
	store     store.Store

	httpServer *http.Server
}

// New assembles the facade on the configured web port.
func New(port int, loc *time.Location,
	ctrl *control.Controller, batt *battery.Provider, ev *evcc.Provider,
	prices *price.Provider, pvp *pv.Provider, loadp *load.Provider,
	sched *scheduler.Scheduler, st store.Store) *Server {
	return &Server{
		listenAddr: fmt.Sprintf(":%d", port),
		loc:        loc,
		control:    ctrl,
		batteries:  batt,
		ev:         ev,
		prices:     prices,
		pv:         pvp,
		load:       loadp,
		sched:      sched,
		store:      st,
	}
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /style.css", s.handleStyle)
	mux.HandleFunc("GET /json/current_controls.json", s.handleCurrentControls)
	mux.HandleFunc("GET /json/optimize_request.json", s.handleOptimizeRequest)
	mux.HandleFunc("GET /json/optimize_response.json", s.handleOptimizeResponse)
	mux.HandleFunc("POST /json/control_override", s.handleControlOverride)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting web server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, "index.html", "text/html; charset=utf-8")
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, "style.css", "text/css; charset=utf-8")
}

func (s *Server) serveAsset(w http.ResponseWriter, name, contentType string) {
	raw, err := web.AssetsFS.ReadFile(name)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(raw); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// overrideSnapshot is the override block of the controls snapshot.
type overrideSnapshot struct {
	Active   bool   `json:"active"`
	Mode     int    `json:"mode,omitempty"`
	ModeText string `json:"mode_text,omitempty"`
	Until    string `json:"until,omitempty"`
}

// controlsSnapshot is the payload of /json/current_controls.json.
type controlsSnapshot struct {
	Mode             int              `json:"mode"`
	ModeText         string           `json:"mode_text"`
	ACChargeDemandW  float64          `json:"ac_charge_demand_w"`
	DCChargeDemand   float64          `json:"dc_charge_demand_rel"`
	DischargeAllowed int              `json:"discharge_allowed"`
	ChangedRecently  bool             `json:"changed_recently"`
	Override         overrideSnapshot `json:"override"`

	EVCC    evcc.Snapshot    `json:"evcc"`
	Battery battery.Snapshot `json:"battery"`

	Scheduler scheduler.Status `json:"scheduler"`

	// Errors holds the last fetch error per provider, omitted after a
	// successful refresh.
	Errors map[string]*common.FetchError `json:"errors,omitempty"`

	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

func (s *Server) handleCurrentControls(w http.ResponseWriter, r *http.Request) {
	ctrl := s.control.Snapshot()
	snap := controlsSnapshot{
		Mode:             int(ctrl.Mode),
		ModeText:         ctrl.Mode.String(),
		ACChargeDemandW:  ctrl.ACChargeDemandW,
		DCChargeDemand:   ctrl.DCChargeDemand,
		DischargeAllowed: ctrl.DischargeAllowed,
		ChangedRecently:  s.control.WasChangedRecently(recentChangeWindow),
		EVCC:             s.ev.Current(),
		Battery:          s.batteries.Current(),
		Scheduler:        s.sched.Status(),
		Timestamp:        time.Now().In(s.loc).Format(time.RFC3339),
		Version:          common.Version(),
	}
	if ctrl.OverrideActive {
		snap.Override = overrideSnapshot{
			Active:   true,
			Mode:     int(ctrl.OverrideMode),
			ModeText: ctrl.OverrideMode.String(),
			Until:    ctrl.OverrideUntil.In(s.loc).Format(time.RFC3339),
		}
	}
	errs := map[string]*common.FetchError{}
	for name, fe := range map[string]*common.FetchError{
		"price":   s.prices.LastError(),
		"pv":      s.pv.LastError(),
		"load":    s.load.LastError(),
		"battery": s.batteries.LastError(),
		"evcc":    s.ev.LastError(),
	} {
		if fe != nil {
			errs[name] = fe
		}
	}
	if len(errs) > 0 {
		snap.Errors = errs
	}
	s.writeJSON(w, r, snap)
}

func (s *Server) handleOptimizeRequest(w http.ResponseWriter, r *http.Request) {
	s.serveStored(w, r, s.store.OptimizeRequest)
}

func (s *Server) handleOptimizeResponse(w http.ResponseWriter, r *http.Request) {
	s.serveStored(w, r, s.store.OptimizeResponse)
}

func (s *Server) serveStored(w http.ResponseWriter, r *http.Request, read func(context.Context) ([]byte, error)) {
	raw, err := read(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, "no optimization has run yet", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to read stored document", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// overrideRequest is the POST /json/control_override body.
type overrideRequest struct {
	Mode            int     `json:"mode"`
	DurationMinutes int     `json:"duration_minutes"`
	ChargeRateKW    float64 `json:"charge_rate_kw"`
}

func (s *Server) handleControlOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	mode, err := control.ParseMode(req.Mode)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := s.control.SetOverride(r.Context(), mode, duration, req.ChargeRateKW); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}
