package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func metricsHandler(state StateStore) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := state.getStats()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := state.getStats()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.isClosing() || !state.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves Prometheus metrics plus dashboard & state endpoints
// until ctx is done.
func startMetricsServer(ctx context.Context, addr string, state StateStore) error {
	srv := &http.Server{Addr: addr, Handler: metricsHandler(state), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
