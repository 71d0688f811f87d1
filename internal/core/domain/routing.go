package domain

import (
	"math"
	"strings"
)

// DefaultPriority applies to candidates that do not declare one.
const DefaultPriority = 99

// RoutingTable maps inbound endpoint paths to their model configuration.
type RoutingTable struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig maps caller-facing model ids to the candidates able to serve them.
// Candidate order is the declaration order of the routing document.
type EndpointConfig struct {
	Models map[string][]Candidate `json:"models"`
}

// Candidate is one configured backend option for a model.
type Candidate struct {
	ProviderName    string   `json:"provider_name"`
	BaseURL         string   `json:"base_url"`
	APIKey          string   `json:"api_key"`
	Model           string   `json:"model"`
	Priority        *int     `json:"priority,omitempty"`
	TokenMultiplier *float64 `json:"token_multiplier,omitempty"`
}

// EffectivePriority returns the declared priority or DefaultPriority.
func (c Candidate) EffectivePriority() int {
	if c.Priority == nil {
		return DefaultPriority
	}
	return *c.Priority
}

// Multiplier returns the token multiplier, defaulting to 1.0 when it is
// absent, negative or not a number.
func (c Candidate) Multiplier() float64 {
	if c.TokenMultiplier == nil {
		return 1.0
	}
	m := *c.TokenMultiplier
	if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return 1.0
	}
	return m
}

// Misconfigured reports why the candidate cannot be attempted, or "" if it can.
func (c Candidate) Misconfigured() string {
	var missing []string
	if strings.TrimSpace(c.BaseURL) == "" {
		missing = append(missing, "base_url")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if len(missing) == 0 {
		return ""
	}
	return "missing " + strings.Join(missing, " and ")
}

// Label identifies the candidate in logs and error details.
func (c Candidate) Label() string {
	if c.ProviderName != "" {
		return c.ProviderName
	}
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "unnamed"
}
