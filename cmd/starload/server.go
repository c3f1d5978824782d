package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// runStatus tracks the progress of a load for the status endpoints.
type runStatus struct {
	mu       sync.RWMutex
	ready    bool
	state    string
	started  time.Time
	finished time.Time
	tables   map[string]int
	errMsg   string
}

func newRunStatus() *runStatus {
	return &runStatus{
		state:   "starting",
		started: time.Now().UTC(),
		tables:  make(map[string]int),
	}
}

func (st *runStatus) setReady() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ready = true
	st.state = "running"
}

func (st *runStatus) isReady() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ready
}

func (st *runStatus) addRows(table string, n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tables[table] += n
}

func (st *runStatus) finish(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.finished = time.Now().UTC()
	if err != nil {
		st.state = "failed"
		st.errMsg = err.Error()
		return
	}
	st.state = "succeeded"
}

type statusPayload struct {
	State    string         `json:"state"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
	Tables   map[string]int `json:"tables"`
	Error    string         `json:"error,omitempty"`
}

func (st *runStatus) payload() statusPayload {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p := statusPayload{
		State:   st.state,
		Started: st.started,
		Tables:  make(map[string]int, len(st.tables)),
		Error:   st.errMsg,
	}
	for t, n := range st.tables {
		p.Tables[t] = n
	}
	if !st.finished.IsZero() {
		f := st.finished
		p.Finished = &f
	}
	return p
}

func newStatusServer(log *slog.Logger, addr string, st *runStatus) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !st.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("load not started\n")); err != nil {
				log.Error("failed to write readyz response", "error", err)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			log.Error("failed to write readyz response", "error", err)
		}
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st.payload()); err != nil {
			log.Error("failed to write status response", "error", err)
		}
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveStatus serves until ctx is canceled, then shuts down cleanly.
func serveStatus(ctx context.Context, log *slog.Logger, srv *http.Server) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	log.Info("status server listening", "address", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown status server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
