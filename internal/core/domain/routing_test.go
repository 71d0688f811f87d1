package domain

import (
	"math"
	"testing"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestCandidate_EffectivePriority(t *testing.T) {
	if got := (Candidate{}).EffectivePriority(); got != DefaultPriority {
		t.Errorf("EffectivePriority() = %d, want %d", got, DefaultPriority)
	}
	if got := (Candidate{Priority: intPtr(0)}).EffectivePriority(); got != 0 {
		t.Errorf("EffectivePriority() = %d, want 0", got)
	}
}

func TestCandidate_Multiplier(t *testing.T) {
	tests := []struct {
		name string
		mult *float64
		want float64
	}{
		{"absent", nil, 1.0},
		{"explicit", floatPtr(2.5), 2.5},
		{"zero", floatPtr(0), 0},
		{"negative", floatPtr(-1), 1.0},
		{"nan", floatPtr(math.NaN()), 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Candidate{TokenMultiplier: tt.mult}
			if got := c.Multiplier(); got != tt.want {
				t.Errorf("Multiplier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCandidate_Misconfigured(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want string
	}{
		{"complete", Candidate{BaseURL: "https://api.example.com", APIKey: "k"}, ""},
		{"no base url", Candidate{APIKey: "k"}, "missing base_url"},
		{"no key", Candidate{BaseURL: "https://api.example.com"}, "missing api_key"},
		{"nothing", Candidate{}, "missing base_url and api_key"},
		{"blank key", Candidate{BaseURL: "https://api.example.com", APIKey: "  "}, "missing api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Misconfigured(); got != tt.want {
				t.Errorf("Misconfigured() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccountTable_Lookup(t *testing.T) {
	var empty *AccountTable
	if empty.Len() != 0 {
		t.Errorf("nil table Len() = %d, want 0", empty.Len())
	}
	if _, ok := empty.Lookup("k"); ok {
		t.Error("nil table Lookup() found an account")
	}

	table := &AccountTable{Users: map[string]Account{"sk-1": {Username: "alice"}}}
	acct, ok := table.Lookup("sk-1")
	if !ok || acct.Username != "alice" {
		t.Errorf("Lookup() = %+v, %v; want alice, true", acct, ok)
	}
}
