// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// API serves the latest display state and accepts charge commands
type API struct {
	status   *Status
	controls Controls
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewAPI creates the HTTP API over status
func NewAPI(status *Status, controls Controls, m *metrics.Metrics, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{status: status, controls: controls, metrics: m, log: logger.Named("http")}
}

// Router returns the routes without access logging
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/health", a.metrics.WrapHandler("health", http.HandlerFunc(a.health))).Methods(http.MethodGet)
	r.Handle("/status", a.metrics.WrapHandler("status", http.HandlerFunc(a.statusView))).Methods(http.MethodGet)
	r.Handle("/charge/{action:start|stop}", a.metrics.WrapHandler("charge", http.HandlerFunc(a.charge))).Methods(http.MethodPost)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Handler wraps the router with access logging and panic recovery
func (a *API) Handler() http.Handler {
	accessLog := zap.NewStdLog(a.log.Named("access")).Writer()
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(a.log)))
	return handlers.LoggingHandler(accessLog, recovery(a.Router()))
}

// Serve listens on addr until ctx is done
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) statusView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status.View())
}

func (a *API) charge(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "start":
		a.controls.RequestStart()
	case "stop":
		a.controls.RequestStop()
	}
	a.log.Info("charge request", zap.String("action", action), zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"requested": action})
}
