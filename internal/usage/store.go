// Package usage records token consumption against account counters.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/llm-relay/internal/admission"
	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/storage/jsondoc"
	"github.com/tjfontaine/llm-relay/internal/storage/memory"
)

// Ledger receives one event per recorded request.
type Ledger interface {
	Enqueue(ev domain.UsageEvent)
}

// Event describes the request being billed, for the ledger.
type Event struct {
	Endpoint string
	Model    string
	Provider string
	Status   int
	Streamed bool
}

// Store applies usage to the account document. Each Record re-reads the
// document from disk, patches the identity's counters and writes the whole
// document back. There is no lock: two concurrent records for the same key
// can lose an increment.
type Store struct {
	path   string
	snap   *memory.Snapshot
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLedger appends every recorded request to l.
func WithLedger(l Ledger) Option {
	return func(s *Store) {
		s.ledger = l
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store for the account document at path that publishes
// updated tables to snap.
func NewStore(path string, snap *memory.Snapshot, opts ...Option) *Store {
	s := &Store{
		path:   path,
		snap:   snap,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Adjust applies a multiplier to a raw token count, rounding up. Missing
// (NaN), infinite or negative multipliers count as 1.
func Adjust(tokens int64, multiplier float64) int64 {
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) || multiplier < 0 {
		multiplier = 1
	}
	return int64(math.Ceil(float64(tokens) * multiplier))
}

// Record bills tokens to id. It returns the updated account, or false when
// nothing was recorded: open mode, a negative count, or a key that is no
// longer in the document.
func (s *Store) Record(ctx context.Context, id *admission.Identity, tokens int64, multiplier float64, ev Event) (domain.Account, bool) {
	if id == nil || tokens < 0 {
		return domain.Account{}, false
	}
	adjusted := Adjust(tokens, multiplier)
	now := s.now()

	raw := s.readDocument(ctx)
	if raw == nil {
		return domain.Account{}, false
	}

	path := "users." + escapePath(id.APIKey)
	entry := gjson.GetBytes(raw, path)
	if !entry.Exists() {
		s.logger.DebugContext(ctx, "usage dropped, key no longer in account document",
			"user", id.Account.Username,
		)
		return domain.Account{}, false
	}

	var acct domain.Account
	if err := json.Unmarshal([]byte(entry.Raw), &acct); err != nil {
		s.logger.WarnContext(ctx, "usage dropped, account entry is malformed",
			"user", id.Account.Username,
			"error", err,
		)
		return domain.Account{}, false
	}

	if admission.IsNewDay(acct.LastUsageTimestamp, now) {
		acct.DailyTokensUsed = adjusted
	} else {
		acct.DailyTokensUsed += adjusted
	}
	acct.TotalTokens += adjusted
	ts := now.Unix()
	acct.LastUsageTimestamp = &ts
	acct.LastUpdatedTimestamp = ts

	updated, err := patchAccount(raw, path, acct)
	if err != nil {
		s.logger.WarnContext(ctx, "patching account entry failed, rewriting document", "error", err)
		updated, err = rewriteAccount(raw, id.APIKey, acct)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to apply usage to account document", "error", err)
		s.snap.SwapAccounts(s.snap.WithAccount(id.APIKey, acct))
	} else {
		if err := jsondoc.WriteFile(s.path, updated); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist account document",
				"path", s.path,
				"error", err,
			)
		}
		s.publish(id.APIKey, acct, updated)
	}

	if s.ledger != nil {
		s.ledger.Enqueue(domain.UsageEvent{
			ID:             uuid.NewString(),
			KeyHash:        id.KeyHash(),
			Username:       acct.Username,
			Endpoint:       ev.Endpoint,
			Model:          ev.Model,
			Provider:       ev.Provider,
			Tokens:         tokens,
			AdjustedTokens: adjusted,
			Status:         ev.Status,
			Streamed:       ev.Streamed,
			CreatedAt:      ts,
		})
	}

	return acct, true
}

// readDocument returns the persisted account document, or the in-memory
// table when the file is unreadable or corrupt.
func (s *Store) readDocument(ctx context.Context) []byte {
	raw, err := os.ReadFile(s.path)
	if err == nil && gjson.ValidBytes(raw) && gjson.GetBytes(raw, "users").IsObject() {
		return raw
	}
	if err == nil {
		err = fmt.Errorf("invalid account document")
	}
	s.logger.WarnContext(ctx, "account document unreadable, using in-memory snapshot",
		"path", s.path,
		"error", err,
	)

	raw, err = json.Marshal(s.snap.Accounts())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to encode in-memory accounts", "error", err)
		return nil
	}
	return raw
}

// publish swaps in the table decoded from the document just written, so
// admin edits made on disk are picked up too.
func (s *Store) publish(key string, acct domain.Account, raw []byte) {
	table, err := jsondoc.DecodeAccounts(raw)
	if err != nil {
		s.snap.SwapAccounts(s.snap.WithAccount(key, acct))
		return
	}
	s.snap.SwapAccounts(table)
}

// patchAccount rewrites only the counter fields of the entry at path, which
// keeps field order, formatting and unknown fields of the document.
func patchAccount(raw []byte, path string, acct domain.Account) ([]byte, error) {
	fields := []struct {
		name  string
		value any
	}{
		{"daily_tokens_used", acct.DailyTokensUsed},
		{"total_tokens", acct.TotalTokens},
		{"last_usage_timestamp", *acct.LastUsageTimestamp},
		{"last_updated_timestamp", acct.LastUpdatedTimestamp},
	}

	out := raw
	for _, f := range fields {
		var err error
		out, err = sjson.SetBytes(out, path+"."+f.name, f.value)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", f.name, err)
		}
	}
	return out, nil
}

// rewriteAccount re-encodes the whole document with acct stored under key.
// Unknown fields are lost.
func rewriteAccount(raw []byte, key string, acct domain.Account) ([]byte, error) {
	table, err := jsondoc.DecodeAccounts(raw)
	if err != nil {
		return nil, err
	}
	table.Users[key] = acct
	return jsondoc.EncodeAccounts(table)
}

// escapePath escapes a map key for use as a single gjson/sjson path segment.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
