package admission

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/server"
	"github.com/tjfontaine/llm-relay/internal/storage/memory"
)

type identityContextKey struct{}

// WithIdentity stores the admitted identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by Middleware, or nil in
// open mode.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// Middleware admits requests against the account table currently held by
// snap. Rejections are written as JSON error bodies; admitted requests carry
// their identity and quota in the context.
func Middleware(snap *memory.Snapshot, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareWithClock(snap, logger, time.Now)
}

// MiddlewareWithClock is Middleware with an injectable clock.
func MiddlewareWithClock(snap *memory.Snapshot, logger *slog.Logger, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := Authenticate(r.Header.Get("Authorization"), snap.Accounts(), now())

			ctx := r.Context()
			if d.Quota != nil {
				ctx = server.PublishQuota(ctx, &server.QuotaInfo{
					Limit:    d.Quota.Limit,
					Used:     d.Quota.Used,
					ResetsAt: d.Quota.ResetsAt.Format(time.RFC3339),
				})
			}

			if !d.Allow {
				if d.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
				}
				server.AddLogField(ctx, "reject", string(d.Reject.Code))
				logger.Debug("request rejected by admission",
					"request_id", server.GetRequestID(ctx),
					"code", d.Reject.Code,
					"path", r.URL.Path,
				)
				domain.WriteError(w, d.Reject)
				return
			}

			if d.Identity != nil {
				server.AddLogField(ctx, "user", d.Identity.Account.Username)
				ctx = WithIdentity(ctx, d.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
