// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apihealth exposes the optional health/metrics HTTP surface
// reserved by SPEC_FULL.md §6 (the PORT environment variable). It is
// grounded on the teacher's internal/api/chi_router.go: a chi router
// with CORS, request-id, recoverer, and rate-limiting middleware, cut
// down to the two read-only endpoints this engine actually needs.
package apihealth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitewarden/engine/internal/command"
)

// HealthReporter is the subset of command.Engine the health endpoint
// needs; kept as an interface so tests can stub it.
type HealthReporter interface {
	Health() command.HealthSnapshot
}

// Server is the optional health/metrics HTTP surface. It runs as a
// suture.Service in the api supervisor layer so a crash here never
// touches the store writer or the patrol driver.
type Server struct {
	addr     string
	reporter HealthReporter
	srv      *http.Server
}

// New builds a Server bound to addr (e.g. ":9090"), reporting health
// from reporter.
func New(addr string, reporter HealthReporter) *Server {
	return &Server{addr: addr, reporter: reporter}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(httprate.LimitByIP(10, time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.reporter.Health()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"total_users":    snap.TotalUsers,
		"total_monitors": snap.TotalMonitors,
		"schema_version": snap.SchemaVersion,
		"updated_at":     snap.UpdatedAt,
	})
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// String implements suture.Service's optional Stringer convention.
func (s *Server) String() string {
	return "health-api"
}
