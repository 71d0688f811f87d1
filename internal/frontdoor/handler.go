// Package frontdoor holds the inbound HTTP handlers: the relay pipeline for
// every routed endpoint plus the model catalog, usage and health surfaces.
package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/llm-relay/internal/admission"
	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/relay"
	"github.com/tjfontaine/llm-relay/internal/router"
	"github.com/tjfontaine/llm-relay/internal/server"
	"github.com/tjfontaine/llm-relay/internal/storage/memory"
	"github.com/tjfontaine/llm-relay/internal/usage"
)

// DefaultMaxBodyBytes bounds inbound request bodies when no limit is set.
const DefaultMaxBodyBytes int64 = 32 << 20

const recentEventLimit = 20

// Relayer performs the outbound call for a selected candidate list.
type Relayer interface {
	Relay(w http.ResponseWriter, r *http.Request, body []byte, candidates []domain.Candidate) relay.Outcome
}

// Recorder bills a delivered request to the caller's account.
type Recorder interface {
	Record(ctx context.Context, id *admission.Identity, tokens int64, multiplier float64, ev usage.Event) (domain.Account, bool)
}

// History reads the usage ledger.
type History interface {
	Recent(ctx context.Context, keyHash string, limit int) ([]domain.UsageEvent, error)
}

// HandlerConfig contains the collaborators the handlers need.
type HandlerConfig struct {
	Snapshot *memory.Snapshot
	Relay    Relayer
	Usage    Recorder

	// History is optional; without it /v1/usage omits recent events.
	History History

	MaxBodyBytes int64
	Logger       *slog.Logger
	Now          func() time.Time
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	snap    *memory.Snapshot
	relay   Relayer
	usage   Recorder
	history History
	maxBody int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a handler from cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		snap:    cfg.Snapshot,
		relay:   cfg.Relay,
		usage:   cfg.Usage,
		history: cfg.History,
		maxBody: cfg.MaxBodyBytes,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// HandleRelay forwards a request to the candidates routed for its path and
// model, then bills the delivered response.
func (h *Handler) HandleRelay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, apiErr := h.readBody(w, r)
	if apiErr != nil {
		server.AddError(ctx, apiErr)
		domain.WriteError(w, apiErr)
		return
	}

	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.String() == "" {
		apiErr := domain.ErrInvalidRequest("request body must include a string \"model\"").
			WithCode(domain.ErrorCodeInvalidBody).
			WithParam("model")
		server.AddError(ctx, apiErr)
		domain.WriteError(w, apiErr)
		return
	}
	server.AddLogField(ctx, "model", model.String())

	candidates, apiErr := router.Select(r.URL.Path, model.String(), h.snap.Routing())
	if apiErr != nil {
		server.AddError(ctx, apiErr)
		domain.WriteError(w, apiErr)
		return
	}

	out := h.relay.Relay(w, r, body, candidates)
	server.AddLogField(ctx, "attempts", strconv.Itoa(len(out.Attempts)))
	if !out.Delivered {
		server.AddError(ctx, out.Err)
		return
	}
	server.AddLogField(ctx, "tokens", strconv.FormatInt(out.Tokens, 10))
	server.AddLogField(ctx, "token_rule", out.TokenRule)

	id := admission.IdentityFromContext(ctx)
	if id == nil {
		return
	}
	// The caller may already be gone; billing still happens.
	acct, ok := h.usage.Record(context.WithoutCancel(ctx), id, out.Tokens, out.Candidate.Multiplier(), usage.Event{
		Endpoint: r.URL.Path,
		Model:    model.String(),
		Provider: out.Candidate.ProviderName,
		Status:   out.Status,
		Streamed: out.Streamed,
	})
	if ok {
		h.logger.DebugContext(ctx, "usage recorded",
			slog.String("user", acct.Username),
			slog.Int64("tokens", out.Tokens),
			slog.Int64("daily_tokens_used", acct.DailyTokensUsed),
		)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *domain.APIError) {
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest("request body too large").
				WithCode(domain.ErrorCodeInvalidBody).
				WithStatusCode(http.StatusRequestEntityTooLarge).
				WithDetail("limit", tooLarge.Limit)
		}
		return nil, domain.ErrInvalidRequest("failed to read request body").
			WithCode(domain.ErrorCodeInvalidBody)
	}
	if !gjson.ValidBytes(buf) || !gjson.ParseBytes(buf).IsObject() {
		return nil, domain.ErrInvalidRequest("request body must be a JSON object").
			WithCode(domain.ErrorCodeInvalidBody)
	}
	return buf, nil
}

// HandleModels lists every model routed by any endpoint.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, router.Catalog(h.snap.Routing()))
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Object          string              `json:"object"`
	Username        string              `json:"username"`
	Plan            string              `json:"plan"`
	Enabled         bool                `json:"enabled"`
	TotalTokens     int64               `json:"total_tokens"`
	DailyTokensUsed int64               `json:"daily_tokens_used"`
	DailyLimit      *int64              `json:"daily_limit"`
	Remaining       *int64              `json:"remaining"`
	ResetsAt        string              `json:"resets_at"`
	Recent          []domain.UsageEvent `json:"recent,omitempty"`
}

// HandleUsage reports the caller's own counters.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := admission.IdentityFromContext(ctx)
	if id == nil {
		domain.WriteError(w, domain.ErrNotFound("usage is not tracked without an account document").
			WithCode(domain.ErrorCodeUsageUnavailable))
		return
	}

	now := h.now()
	acct, ok := h.snap.Accounts().Lookup(id.APIKey)
	if !ok {
		acct = id.Account
	}

	resp := UsageResponse{
		Object:          "usage",
		Username:        acct.Username,
		Plan:            acct.Plan,
		Enabled:         acct.Enabled,
		TotalTokens:     acct.TotalTokens,
		DailyTokensUsed: admission.EffectiveDailyUsage(acct, now),
		DailyLimit:      admission.ParsePlan(acct.Plan),
		ResetsAt:        admission.NextReset(now).Format(time.RFC3339),
	}
	if resp.DailyLimit != nil {
		remaining := max(*resp.DailyLimit-resp.DailyTokensUsed, 0)
		resp.Remaining = &remaining
	}

	if h.history != nil {
		events, err := h.history.Recent(ctx, id.KeyHash(), recentEventLimit)
		if err != nil {
			h.logger.WarnContext(ctx, "failed to read usage ledger", slog.String("error", err.Error()))
		} else {
			resp.Recent = events
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
