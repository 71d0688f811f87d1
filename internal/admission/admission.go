// Package admission resolves caller identity from a bearer credential and
// enforces the daily token quota derived from the account's plan.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

// Identity is an authenticated caller: the raw credential plus the account
// snapshot observed at admission time.
type Identity struct {
	APIKey  string
	Account domain.Account
}

// KeyHash returns the hex SHA-256 of the API key, used wherever the key
// must be referenced without being stored.
func (i *Identity) KeyHash() string {
	sum := sha256.Sum256([]byte(i.APIKey))
	return hex.EncodeToString(sum[:])
}

// Decision is the outcome of Authenticate. When Allow is false, Reject
// explains why; RetryAfter is set for quota rejections.
type Decision struct {
	Allow      bool
	Identity   *Identity
	Quota      *Quota
	Reject     *domain.APIError
	RetryAfter time.Duration
}

// Quota is the daily budget of an identity at admission time.
type Quota struct {
	Limit    *int64
	Used     int64
	ResetsAt time.Time
}

// Authenticate admits or rejects a request given its Authorization header
// value. An empty account table admits everything without an identity.
func Authenticate(authorization string, accounts *domain.AccountTable, now time.Time) Decision {
	if accounts.Len() == 0 {
		return Decision{Allow: true}
	}

	key, ok := BearerToken(authorization)
	if !ok {
		return Decision{Reject: domain.ErrAuthentication("missing or malformed bearer credential").
			WithCode(domain.ErrorCodeMissingAPIKey)}
	}

	acct, found := accounts.Lookup(key)
	if !found {
		return Decision{Reject: domain.ErrPermission("invalid API key").
			WithCode(domain.ErrorCodeInvalidAPIKey)}
	}
	if !acct.Enabled {
		return Decision{Reject: domain.ErrPermission("account is disabled").
			WithCode(domain.ErrorCodeAccountDisabled)}
	}

	quota := &Quota{
		Limit:    ParsePlan(acct.Plan),
		Used:     EffectiveDailyUsage(acct, now),
		ResetsAt: NextReset(now),
	}

	if quota.Limit != nil && quota.Used >= *quota.Limit {
		return Decision{
			Quota: quota,
			Reject: domain.ErrQuotaExceeded(fmt.Sprintf("daily token quota of %d exceeded", *quota.Limit)).
				WithDetail("limit", *quota.Limit).
				WithDetail("resets_at", quota.ResetsAt.Format(time.RFC3339)),
			RetryAfter: quota.ResetsAt.Sub(now),
		}
	}

	return Decision{
		Allow:    true,
		Identity: &Identity{APIKey: key, Account: acct},
		Quota:    quota,
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// value. The scheme is case-insensitive; the token must be non-empty.
func BearerToken(authorization string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// EffectiveDailyUsage is the stored daily counter, or 0 when the last usage
// happened on an earlier UTC day. The stored value is only rewritten on the
// next recorded usage.
func EffectiveDailyUsage(acct domain.Account, now time.Time) int64 {
	if IsNewDay(acct.LastUsageTimestamp, now) {
		return 0
	}
	return acct.DailyTokensUsed
}
