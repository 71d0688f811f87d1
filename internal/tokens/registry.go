// Package tokens derives token counts from relayed requests and responses.
package tokens

import (
	"strings"

	"github.com/tidwall/gjson"
)

// InputCounter estimates the token cost of a request's messages.
type InputCounter interface {
	CountInput(model string, body []byte) int64
	SupportsModel(model string) bool
}

// Registry picks an InputCounter per model, falling back to the character
// estimator for models no registered counter claims.
type Registry struct {
	counters []InputCounter
	fallback InputCounter
}

// NewRegistry creates a registry whose fallback is the character estimator.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// Register adds a counter. Counters are consulted in registration order.
func (r *Registry) Register(counter InputCounter) {
	r.counters = append(r.counters, counter)
}

// Counter returns the counter used for model.
func (r *Registry) Counter(model string) InputCounter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// CountInput counts the messages in body with the counter for its model.
func (r *Registry) CountInput(body []byte) int64 {
	model := gjson.GetBytes(body, "model").String()
	return r.Counter(model).CountInput(model, body)
}

// Estimator is the quarter-of-a-character estimate used when no exact
// tokenizer applies.
type Estimator struct{}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// CountInput returns ceil(InputChars(body) / 4).
func (e *Estimator) CountInput(_ string, body []byte) int64 {
	return ceilDiv4(InputChars(body))
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
