package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options tunes the base router.
type Options struct {
	// Tracing wraps the router with OpenTelemetry HTTP instrumentation.
	Tracing bool
	// ServiceName names the inbound span operation.
	ServiceName string
}

// NewRouter builds the chi router with the shared middleware chain:
// request id, request logging, quota headers, panic recovery and optional
// tracing. Routes are mounted by the caller.
func NewRouter(logger *slog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(QuotaHeadersMiddleware)
	r.Use(middleware.Recoverer)

	if opts.Tracing {
		name := opts.ServiceName
		if name == "" {
			name = "llm-relay"
		}
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, name)
		})
	}

	return r
}
