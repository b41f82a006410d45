// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/reclaim"
	"marketengine/src/store"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID        string        `json:"id"`
	Driver    string        `json:"store_driver"`
	StartTime time.Time     `json:"start_time"`
	Uptime    string        `json:"uptime"`
	Sweeps    reclaim.Stats `json:"sweeps"`
}

// GlobalStats represents marketplace-wide counts
type GlobalStats struct {
	TotalTasks    int                      `json:"total_tasks"`
	Tasks         map[model.TaskStatus]int `json:"tasks"`
	Work          map[model.WorkStatus]int `json:"work"`
	ActiveRecords int                      `json:"active_records"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	id        string
	driver    string
	startTime time.Time
	store     store.Store
	sweeper   *reclaim.Sweeper
}

func NewAPIServer(id, driver string, st store.Store, sw *reclaim.Sweeper) *APIServer {
	return &APIServer{id: id, driver: driver, startTime: time.Now(), store: st, sweeper: sw}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	return otelhttp.NewHandler(mux, "market-api-server")
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context, port string) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Logger.InfoContext(ctx, "API server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Logger.Info("API server exited cleanly")
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{
		ID:        s.id,
		Driver:    s.driver,
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.sweeper != nil {
		resp.Sweeps = s.sweeper.Stats()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	var stats store.Stats
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		stats, err = tx.Stats(r.Context())
		return err
	})
	if err != nil {
		logging.Logger.ErrorContext(r.Context(), "failed to query marketplace stats", "error", err)
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}

	gs := GlobalStats{Tasks: stats.Tasks, Work: stats.Work, ActiveRecords: stats.ActiveRecords}
	for _, n := range stats.Tasks {
		gs.TotalTasks += n
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gs)
}
