package server

import (
	"context"
	"net/http"
	"strconv"
)

// Quota headers advertise the caller's daily token budget.
const (
	HeaderQuotaLimit     = "X-Quota-Limit-Tokens"
	HeaderQuotaRemaining = "X-Quota-Remaining-Tokens"
	HeaderQuotaReset     = "X-Quota-Reset"
)

type quotaContextKey struct{}

// QuotaInfo describes the daily budget of the authenticated caller.
// A nil Limit means the plan is unlimited.
type QuotaInfo struct {
	Limit    *int64
	Used     int64
	ResetsAt string
}

// SetQuota stores quota info in context for QuotaHeadersMiddleware.
func SetQuota(ctx context.Context, q *QuotaInfo) context.Context {
	return context.WithValue(ctx, quotaContextKey{}, q)
}

// GetQuota retrieves quota info from context.
// Returns nil if none is set.
func GetQuota(ctx context.Context) *QuotaInfo {
	if q, ok := ctx.Value(quotaContextKey{}).(*QuotaInfo); ok {
		return q
	}
	return nil
}

// QuotaHeadersMiddleware writes X-Quota-* headers just before the response
// header is sent. Admission runs downstream of this middleware, so the quota
// is looked up on the request that reaches the writer.
func QuotaHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &quotaHolder{}
		ctx := context.WithValue(r.Context(), quotaHolderKey{}, holder)
		next.ServeHTTP(&quotaResponseWriter{ResponseWriter: w, holder: holder}, r.WithContext(ctx))
	})
}

type quotaHolderKey struct{}

type quotaHolder struct {
	info *QuotaInfo
}

// PublishQuota records q for QuotaHeadersMiddleware and returns a context
// carrying it for downstream handlers.
func PublishQuota(ctx context.Context, q *QuotaInfo) context.Context {
	if h, ok := ctx.Value(quotaHolderKey{}).(*quotaHolder); ok {
		h.info = q
	}
	return SetQuota(ctx, q)
}

type quotaResponseWriter struct {
	http.ResponseWriter
	holder      *quotaHolder
	wroteHeader bool
}

func (rw *quotaResponseWriter) WriteHeader(code int) {
	rw.writeQuotaHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *quotaResponseWriter) Write(b []byte) (int, error) {
	rw.writeQuotaHeaders()
	return rw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *quotaResponseWriter) Flush() {
	rw.writeQuotaHeaders()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *quotaResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *quotaResponseWriter) writeQuotaHeaders() {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true

	q := rw.holder.info
	if q == nil {
		return
	}

	h := rw.Header()
	if q.Limit != nil {
		remaining := *q.Limit - q.Used
		if remaining < 0 {
			remaining = 0
		}
		h.Set(HeaderQuotaLimit, strconv.FormatInt(*q.Limit, 10))
		h.Set(HeaderQuotaRemaining, strconv.FormatInt(remaining, 10))
	} else {
		h.Set(HeaderQuotaLimit, "unlimited")
	}
	if q.ResetsAt != "" {
		h.Set(HeaderQuotaReset, q.ResetsAt)
	}
}
