package frontdoor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/llm-relay/internal/server"
)

// usageTimeout bounds the ledger queries behind /v1/usage. Relay routes have
// no route timeout; the upstream timeout covers them.
const usageTimeout = 10 * time.Second

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler func(http.ResponseWriter, *http.Request)

	// Public routes skip admission.
	Public bool

	// Timeout bounds the request context when positive.
	Timeout time.Duration
}

// Registrations returns the handler's routes. The relay route matches every
// POST path; paths missing from the routing document are rejected by the
// selector, so a reload can add endpoints without re-registering.
func (h *Handler) Registrations() []HandlerRegistration {
	return []HandlerRegistration{
		{Path: "/health", Method: http.MethodGet, Handler: h.HandleHealth, Public: true},
		{Path: "/v1/models", Method: http.MethodGet, Handler: h.HandleModels},
		{Path: "/v1/usage", Method: http.MethodGet, Handler: h.HandleUsage, Timeout: usageTimeout},
		{Path: "/*", Method: http.MethodPost, Handler: h.HandleRelay},
	}
}

// Mount registers regs on r, wrapping non-public routes with authn.
func Mount(r chi.Router, regs []HandlerRegistration, authn func(http.Handler) http.Handler) {
	var guarded []HandlerRegistration
	for _, reg := range regs {
		if reg.Public || authn == nil {
			r.Method(reg.Method, reg.Path, reg.handler())
			continue
		}
		guarded = append(guarded, reg)
	}
	if len(guarded) == 0 {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(authn)
		for _, reg := range guarded {
			r.Method(reg.Method, reg.Path, reg.handler())
		}
	})
}

func (reg HandlerRegistration) handler() http.Handler {
	return server.TimeoutMiddleware(reg.Timeout)(http.HandlerFunc(reg.Handler))
}
