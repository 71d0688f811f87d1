package domain

// Account is the quota and usage state stored per API key.
type Account struct {
	Username             string `json:"username"`
	UserID               string `json:"user_id,omitempty"`
	Plan                 string `json:"plan"`
	Enabled              bool   `json:"enabled"`
	TotalTokens          int64  `json:"total_tokens"`
	DailyTokensUsed      int64  `json:"daily_tokens_used"`
	LastUsageTimestamp   *int64 `json:"last_usage_timestamp"`
	LastUpdatedTimestamp int64  `json:"last_updated_timestamp"`
}

// AccountTable is the account document, keyed by API key.
type AccountTable struct {
	Users map[string]Account `json:"users"`
}

// Len returns the number of accounts. A nil table is empty.
func (t *AccountTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Users)
}

// Lookup returns the account stored under apiKey.
func (t *AccountTable) Lookup(apiKey string) (Account, bool) {
	if t == nil {
		return Account{}, false
	}
	acct, ok := t.Users[apiKey]
	return acct, ok
}

// UsageEvent is one metered request, appended to the usage ledger.
type UsageEvent struct {
	ID             string `db:"id" json:"id"`
	KeyHash        string `db:"key_hash" json:"-"`
	Username       string `db:"username" json:"username"`
	Endpoint       string `db:"endpoint" json:"endpoint"`
	Model          string `db:"model" json:"model"`
	Provider       string `db:"provider" json:"provider"`
	Tokens         int64  `db:"tokens" json:"tokens"`
	AdjustedTokens int64  `db:"adjusted_tokens" json:"adjusted_tokens"`
	Status         int    `db:"status" json:"status"`
	Streamed       bool   `db:"streamed" json:"streamed"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
}
