package tokens

import (
	"strings"
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestCount_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		want     int64
		wantRule string
	}{
		{
			name:     "total tokens wins regardless of body size",
			in:       Input{Path: "/v1/chat/completions", Status: 200, Body: []byte(`{"usage":{"total_tokens":42,"prompt_tokens":1,"completion_tokens":1},"pad":"` + strings.Repeat("x", 4000) + `"}`)},
			want:     42,
			wantRule: "total_tokens",
		},
		{
			name:     "prompt plus completion",
			in:       Input{Path: "/v1/chat/completions", Status: 200, Body: []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)},
			want:     15,
			wantRule: "prompt_plus_completion",
		},
		{
			name:     "zero total falls through to parts",
			in:       Input{Status: 200, Body: []byte(`{"usage":{"total_tokens":0,"prompt_tokens":0,"completion_tokens":7}}`)},
			want:     7,
			wantRule: "prompt_plus_completion",
		},
		{
			name:     "only one part present",
			in:       Input{Status: 200, InputTokens: 3, Body: []byte(`{"usage":{"prompt_tokens":10}}`)},
			want:     3 + 8,
			wantRule: "length_estimate",
		},
		{
			name:     "both parts zero",
			in:       Input{Status: 200, Body: []byte(`{"usage":{"prompt_tokens":0,"completion_tokens":0}}`)},
			want:     13,
			wantRule: "length_estimate",
		},
		{
			name:     "no usage object",
			in:       Input{Status: 200, InputTokens: 5, Body: []byte(`{"id":"x"}`)},
			want:     5 + 3,
			wantRule: "length_estimate",
		},
		{
			name:     "malformed json",
			in:       Input{Status: 500, Body: []byte(`<html>bad gateway</html>`)},
			want:     6,
			wantRule: "length_estimate",
		},
		{
			name:     "image generation success",
			in:       Input{Path: ImageGenerationPath, Status: 200, Body: []byte(`{"usage":{"total_tokens":900}}`)},
			want:     1,
			wantRule: "image_generation",
		},
		{
			name:     "image generation failure uses usage",
			in:       Input{Path: ImageGenerationPath, Status: 400, Body: []byte(`{"usage":{"total_tokens":9}}`)},
			want:     9,
			wantRule: "total_tokens",
		},
		{
			name:     "empty body",
			in:       Input{Status: 204},
			want:     0,
			wantRule: "length_estimate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := Count(tt.in, DefaultRules)
			if got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
			if rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", rule, tt.wantRule)
			}
		})
	}
}

func TestCount_NoRules(t *testing.T) {
	if n, rule := Count(Input{Body: []byte("abcd")}, nil); n != 0 || rule != "" {
		t.Errorf("Count() with no rules = (%d, %q)", n, rule)
	}
}

func TestInputChars(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"two messages", `{"messages":[{"role":"system","content":"abc"},{"role":"user","content":"defgh"}]}`, 8},
		{"multibyte", `{"messages":[{"content":"日本語"}]}`, 3},
		{"array content ignored", `{"messages":[{"content":[{"type":"text","text":"hello"}]},{"content":"ok"}]}`, 2},
		{"no messages", `{"prompt":"hello"}`, 0},
		{"invalid json", `{"messages":`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InputChars([]byte(tt.body)); got != tt.want {
				t.Errorf("InputChars() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStreamEstimate(t *testing.T) {
	tests := []struct {
		chars int64
		want  int64
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{24, 6},
	}
	for _, tt := range tests {
		if got := StreamEstimate(tt.chars); got != tt.want {
			t.Errorf("StreamEstimate(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestEstimator_CountInput(t *testing.T) {
	body := []byte(`{"model":"anything","messages":[{"content":"hello"}]}`)
	if got := NewEstimator().CountInput("anything", body); got != 2 {
		t.Errorf("CountInput() = %d, want 2", got)
	}
}

func TestTiktokenCounter_CountInput(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		name      string
		body      string
		minTokens int64
		maxTokens int64
	}{
		{"simple message", `{"model":"gpt-4o","messages":[{"content":"Hello, how are you today?"}]}`, 5, 10},
		{"common words", `{"model":"gpt-4","messages":[{"content":"The quick brown fox jumps over the lazy dog."}]}`, 8, 14},
		{"no messages", `{"model":"gpt-4o"}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CountInput("gpt-4o", []byte(tt.body))
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("CountInput() = %d, want between %d and %d", got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestTiktokenCounter_SupportsModel(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		model    string
		expected bool
	}{
		{"gpt-4o", true},
		{"GPT-4-turbo", true},
		{"o3-mini", true},
		{"text-embedding-3-small", true},
		{"claude-3-sonnet", false},
		{"llama-3-70b", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := c.SupportsModel(tt.model); got != tt.expected {
				t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.expected)
			}
		})
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"gpt-5", tokenizer.O200kBase},
		{"o1-preview", tokenizer.O200kBase},
		{"gpt-4-turbo", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"mystery", tokenizer.O200kBase},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := modelToEncoding(tt.model); got != tt.want {
				t.Errorf("modelToEncoding(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestRegistry_CountInput(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewTiktokenCounter())

	tests := []struct {
		name        string
		model       string
		wantCounter string
	}{
		{"gpt model uses tiktoken", "gpt-4o", "tiktoken"},
		{"unknown model uses fallback", "llama-3", "estimator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			switch registry.Counter(tt.model).(type) {
			case *TiktokenCounter:
				got = "tiktoken"
			case *Estimator:
				got = "estimator"
			}
			if got != tt.wantCounter {
				t.Errorf("Counter(%q) = %s, want %s", tt.model, got, tt.wantCounter)
			}
		})
	}

	body := []byte(`{"model":"llama-3","messages":[{"content":"12345678"}]}`)
	if got := registry.CountInput(body); got != 2 {
		t.Errorf("CountInput() = %d, want 2", got)
	}
}

func TestModelMatcher(t *testing.T) {
	m := NewModelMatcher([]string{"gpt-"}, []string{"davinci"})
	if !m.Matches("gpt-4o") || !m.Matches("davinci") {
		t.Error("expected prefix and exact matches")
	}
	if m.Matches("claude") {
		t.Error("unexpected match")
	}
}
