package admission

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/server"
	"github.com/tjfontaine/llm-relay/internal/storage/memory"
)

func int64Ptr(v int64) *int64 { return &v }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		plan string
		want *int64
	}{
		{"500k", int64Ptr(500_000)},
		{"100m", int64Ptr(100_000_000)},
		{"1.5b", int64Ptr(1_500_000_000)},
		{"1.5M", int64Ptr(1_500_000)},
		{"  250K  ", int64Ptr(250_000)},
		{"42", int64Ptr(42)},
		{"2.5", int64Ptr(3)},
		{"0", int64Ptr(0)},
		{"unlimited", nil},
		{"UNLIMITED", nil},
		{"", int64Ptr(0)},
		{"abc", int64Ptr(0)},
		{"k", int64Ptr(0)},
		{"-5k", int64Ptr(0)},
		{"NaN", int64Ptr(0)},
	}

	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			got := ParsePlan(tt.plan)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("ParsePlan(%q) = %d, want unlimited", tt.plan, *got)
			case tt.want != nil && got == nil:
				t.Errorf("ParsePlan(%q) = unlimited, want %d", tt.plan, *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("ParsePlan(%q) = %d, want %d", tt.plan, *got, *tt.want)
			}
		})
	}
}

func TestIsNewDay(t *testing.T) {
	tests := []struct {
		name string
		last *int64
		now  string
		want bool
	}{
		{
			name: "crosses utc midnight",
			last: int64Ptr(mustTime(t, "2024-01-01T23:59:00Z").Unix()),
			now:  "2024-01-02T00:00:01Z",
			want: true,
		},
		{
			name: "same utc day",
			last: int64Ptr(mustTime(t, "2024-01-01T00:00:01Z").Unix()),
			now:  "2024-01-01T23:59:59Z",
			want: false,
		},
		{
			name: "non-utc now on same utc day",
			last: int64Ptr(mustTime(t, "2024-01-01T10:00:00Z").Unix()),
			now:  "2024-01-01T20:00:00-03:00",
			want: false,
		},
		{
			name: "no prior usage",
			last: nil,
			now:  "2024-01-01T12:00:00Z",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNewDay(tt.last, mustTime(t, tt.now)); got != tt.want {
				t.Errorf("IsNewDay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextReset(t *testing.T) {
	got := NextReset(mustTime(t, "2024-01-01T23:59:00Z"))
	if want := mustTime(t, "2024-01-02T00:00:00Z"); !got.Equal(want) {
		t.Errorf("NextReset() = %v, want %v", got, want)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer sk-123", "sk-123", true},
		{"bearer sk-123", "sk-123", true},
		{"BEARER   sk-123 ", "sk-123", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
		{"sk-123", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := BearerToken(tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func testAccounts(now time.Time) *domain.AccountTable {
	yesterday := now.Add(-24 * time.Hour).Unix()
	today := now.Unix()
	return &domain.AccountTable{Users: map[string]domain.Account{
		"sk-alice":    {Username: "alice", Plan: "500k", Enabled: true, DailyTokensUsed: 1200, LastUsageTimestamp: &today},
		"sk-bob":      {Username: "bob", Plan: "500k", Enabled: false},
		"sk-zero":     {Username: "zero", Plan: "0", Enabled: true},
		"sk-full":     {Username: "full", Plan: "1k", Enabled: true, DailyTokensUsed: 1000, LastUsageTimestamp: &today},
		"sk-stale":    {Username: "stale", Plan: "1k", Enabled: true, DailyTokensUsed: 5000, LastUsageTimestamp: &yesterday},
		"sk-infinite": {Username: "infinite", Plan: "unlimited", Enabled: true, DailyTokensUsed: 1 << 40, LastUsageTimestamp: &today},
	}}
}

func TestAuthenticate(t *testing.T) {
	now := mustTime(t, "2024-01-01T12:00:00Z")
	accounts := testAccounts(now)

	tests := []struct {
		name      string
		header    string
		accounts  *domain.AccountTable
		wantAllow bool
		wantUser  string
		wantCode  domain.ErrorCode
		wantHTTP  int
	}{
		{name: "open mode", header: "", accounts: &domain.AccountTable{}, wantAllow: true},
		{name: "open mode nil table", header: "Bearer anything", accounts: nil, wantAllow: true},
		{name: "missing header", header: "", accounts: accounts, wantCode: domain.ErrorCodeMissingAPIKey, wantHTTP: 401},
		{name: "malformed header", header: "Token sk-alice", accounts: accounts, wantCode: domain.ErrorCodeMissingAPIKey, wantHTTP: 401},
		{name: "unknown key", header: "Bearer sk-nobody", accounts: accounts, wantCode: domain.ErrorCodeInvalidAPIKey, wantHTTP: 403},
		{name: "disabled", header: "Bearer sk-bob", accounts: accounts, wantCode: domain.ErrorCodeAccountDisabled, wantHTTP: 403},
		{name: "zero plan always blocked", header: "Bearer sk-zero", accounts: accounts, wantCode: domain.ErrorCodeQuotaExceeded, wantHTTP: 429},
		{name: "limit reached", header: "Bearer sk-full", accounts: accounts, wantCode: domain.ErrorCodeQuotaExceeded, wantHTTP: 429},
		{name: "yesterday's usage ignored", header: "Bearer sk-stale", accounts: accounts, wantAllow: true, wantUser: "stale"},
		{name: "unlimited", header: "Bearer sk-infinite", accounts: accounts, wantAllow: true, wantUser: "infinite"},
		{name: "under limit", header: "Bearer sk-alice", accounts: accounts, wantAllow: true, wantUser: "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authenticate(tt.header, tt.accounts, now)
			if d.Allow != tt.wantAllow {
				t.Fatalf("Allow = %v, want %v (reject: %v)", d.Allow, tt.wantAllow, d.Reject)
			}
			if !tt.wantAllow {
				if d.Reject == nil {
					t.Fatal("Reject is nil for a rejected request")
				}
				if d.Reject.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", d.Reject.Code, tt.wantCode)
				}
				if got := d.Reject.HTTPStatusCode(); got != tt.wantHTTP {
					t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantHTTP)
				}
				return
			}
			if tt.wantUser == "" {
				if d.Identity != nil {
					t.Errorf("open mode attached identity %+v", d.Identity)
				}
				return
			}
			if d.Identity == nil || d.Identity.Account.Username != tt.wantUser {
				t.Errorf("Identity = %+v, want user %q", d.Identity, tt.wantUser)
			}
		})
	}
}

func TestAuthenticate_QuotaDetails(t *testing.T) {
	now := mustTime(t, "2024-01-01T12:00:00Z")
	d := Authenticate("Bearer sk-full", testAccounts(now), now)

	if d.Reject == nil {
		t.Fatal("expected rejection")
	}
	if got := d.Reject.Details["limit"]; got != int64(1000) {
		t.Errorf("details.limit = %v, want 1000", got)
	}
	if got := d.Reject.Details["resets_at"]; got != "2024-01-02T00:00:00Z" {
		t.Errorf("details.resets_at = %v", got)
	}
	if d.RetryAfter != 12*time.Hour {
		t.Errorf("RetryAfter = %v, want 12h", d.RetryAfter)
	}
}

func TestEffectiveDailyUsage(t *testing.T) {
	now := mustTime(t, "2024-01-02T00:00:01Z")
	last := mustTime(t, "2024-01-01T23:59:00Z").Unix()
	acct := domain.Account{DailyTokensUsed: 900, LastUsageTimestamp: &last}

	if got := EffectiveDailyUsage(acct, now); got != 0 {
		t.Errorf("EffectiveDailyUsage() after rollover = %d, want 0", got)
	}
	if got := EffectiveDailyUsage(acct, now.Add(-time.Hour)); got != 900 {
		t.Errorf("EffectiveDailyUsage() same day = %d, want 900", got)
	}
}

func TestIdentity_KeyHash(t *testing.T) {
	id := &Identity{APIKey: "abc"}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := id.KeyHash(); got != want {
		t.Errorf("KeyHash() = %s, want %s", got, want)
	}
}

// =============================================================================
// Middleware Tests
// =============================================================================

func TestMiddleware(t *testing.T) {
	now := mustTime(t, "2024-01-01T12:00:00Z")
	snap := memory.NewSnapshot(nil, testAccounts(now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := server.QuotaHeadersMiddleware(
		MiddlewareWithClock(snap, logger, func() time.Time { return now })(next),
	)

	t.Run("admitted", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer sk-alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if seen == nil || seen.Account.Username != "alice" {
			t.Errorf("identity = %+v, want alice", seen)
		}
		if got := rec.Header().Get(server.HeaderQuotaRemaining); got != "498800" {
			t.Errorf("%s = %q, want 498800", server.HeaderQuotaRemaining, got)
		}
	})

	t.Run("quota exceeded", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer sk-zero")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if seen != nil {
			t.Error("next handler ran for a rejected request")
		}
		if got := rec.Header().Get("Retry-After"); got != "43200" {
			t.Errorf("Retry-After = %q, want 43200", got)
		}

		var body struct {
			Error domain.APIError `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Error.Type != domain.ErrorTypeRateLimit || body.Error.Code != domain.ErrorCodeQuotaExceeded {
			t.Errorf("error = %+v", body.Error)
		}
	})

	t.Run("missing credential", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestMiddleware_OpenMode(t *testing.T) {
	snap := memory.NewSnapshot(nil, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	called := false
	handler := Middleware(snap, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if IdentityFromContext(r.Context()) != nil {
			t.Error("open mode must not attach an identity")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/chat/completions", nil))
	if !called {
		t.Error("open mode rejected the request")
	}
}

func TestMiddleware_SeesSwappedAccounts(t *testing.T) {
	snap := memory.NewSnapshot(nil, &domain.AccountTable{Users: map[string]domain.Account{
		"sk-old": {Username: "old", Plan: "unlimited", Enabled: true},
	}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Middleware(snap, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	snap.SwapAccounts(&domain.AccountTable{Users: map[string]domain.Account{
		"sk-new": {Username: "new", Plan: "unlimited", Enabled: true},
	}})

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer sk-old")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 after the key was swapped out", rec.Code)
	}
}
