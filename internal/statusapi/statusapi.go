// Package statusapi serves read-only terminal status over HTTP: health, key
// slot state without key material, tamper state, reversal queue depth and
// Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/keymgr"
	"github.com/andrei-cloud/posguard/internal/ledger"
)

// Keys reports key slot state. *keymgr.Manager implements it.
type Keys interface {
	Statuses(ctx context.Context) ([]keymgr.Status, error)
}

// Tamper reports the monitor state. *tamper.Monitor implements it.
type Tamper interface {
	Running() bool
	Tampered() bool
}

// Reversals exposes the pending queue. *ledger.Ledger implements it.
type Reversals interface {
	ListPendingReversals(ctx context.Context) ([]ledger.PendingReversal, error)
}

// Deps are the collaborators behind the routes. Nil members disable their route.
type Deps struct {
	Keys      Keys
	Tamper    Tamper
	Reversals Reversals
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", d.health)
	r.Handle("/metrics", promhttp.Handler())

	if d.Keys != nil {
		r.Get("/v1/keys", d.keys)
	}
	if d.Tamper != nil {
		r.Get("/v1/tamper", d.tamper)
	}
	if d.Reversals != nil {
		r.Get("/v1/reversals", d.reversals)
	}

	return r
}

func (d Deps) health(w http.ResponseWriter, _ *http.Request) {
	if d.Tamper != nil && d.Tamper.Tampered() {
		writeJSON(w, map[string]string{"status": "tampered"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (d Deps) keys(w http.ResponseWriter, r *http.Request) {
	statuses, err := d.Keys.Statuses(r.Context())
	if err != nil {
		var f *keymgr.Failure
		if errors.As(err, &f) {
			writeError(w, errors.New(f.UserMessage()), http.StatusServiceUnavailable)
			return
		}
		writeError(w, err, http.StatusInternalServerError)

		return
	}
	writeJSON(w, statuses, http.StatusOK)
}

func (d Deps) tamper(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]bool{
		"running":  d.Tamper.Running(),
		"tampered": d.Tamper.Tampered(),
	}, http.StatusOK)
}

func (d Deps) reversals(w http.ResponseWriter, r *http.Request) {
	pending, err := d.Reversals.ListPendingReversals(r.Context())
	if err != nil {
		var se *ledger.StoreError
		if errors.As(err, &se) {
			writeError(w, errors.New(se.UserMessage()), http.StatusServiceUnavailable)
			return
		}
		writeError(w, err, http.StatusInternalServerError)

		return
	}

	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	writeJSON(w, map[string]any{"pending": len(pending), "ids": ids}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Str("event", "http_encode_failed").Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, errorResponse{Error: err.Error(), Code: status}, status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("event", "http_request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

// Server runs the router on an address.
type Server struct {
	srv *http.Server
}

// NewServer wraps NewRouter(d) in an http.Server listening on addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("event", "http_started").Str("address", s.srv.Addr).Msg("status api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
