// Package waypostrest provides the HTTP router, common middleware and the
// plain HTTP endpoints served next to the WebSocket endpoint.
package waypostrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Middlewares installs CORS, request logging context and panic recovery.
func Middlewares(logger zerolog.Logger, allowedOrigins []string, routes chi.Router) chi.Router {
	routes.Use(
		WithCORS(allowedOrigins),
		WithLogger(logger),
		middleware.Recoverer,
	)
	return routes
}

// Webserver serves routes on port until ctx is cancelled, then shuts down
// gracefully.
func Webserver(ctx context.Context, logger zerolog.Logger, port int, routes http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%v", port),
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Int("port", port).Msg("starting http server")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func CacheControl(handler http.HandlerFunc, maxAge int) http.HandlerFunc {
	value := fmt.Sprintf("max-age=%v", maxAge)
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Cache-Control", value)
		handler.ServeHTTP(w, req)
	}
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Tickets     int    `json:"tickets"`
}

// Healthz reports liveness along with the current counters.
func Healthz(counts func() (connections, tickets int)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		connections, tickets := counts()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(Health{Status: "ok", Connections: connections, Tickets: tickets}); err != nil {
			zerolog.Ctx(req.Context()).Warn().Err(err).Msg("failed to write health response")
		}
	}
}

// Static serves the files under dir at the router root.
func Static(routes chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	routes.Get("/*", CacheControl(fs.ServeHTTP, 300))
}

// WithCORS allows the given origins; an empty list allows any.
func WithCORS(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
	})
}

func WithLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logger.WithContext(req.Context())
			req = req.WithContext(ctx)
			handler.ServeHTTP(w, req)
		})
	}
}
