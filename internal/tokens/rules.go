package tokens

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ImageGenerationPath is billed a flat single token on success.
const ImageGenerationPath = "/v1/images/generations"

// Input is what the rules see of a buffered, terminal upstream response.
type Input struct {
	// Path is the inbound request path.
	Path string
	// Status is the upstream HTTP status.
	Status int
	// Body is the buffered upstream response body.
	Body []byte
	// InputTokens is the estimate for the inbound messages, computed once
	// before any candidate is attempted.
	InputTokens int64
}

// Rule extracts a token count from a response. Rules are tried in order and
// the first one that reports ok wins.
type Rule struct {
	Name    string
	Extract func(in Input) (int64, bool)
}

// DefaultRules is the order used for non-streaming responses.
var DefaultRules = []Rule{
	{Name: "image_generation", Extract: ImageGeneration},
	{Name: "total_tokens", Extract: TotalTokens},
	{Name: "prompt_plus_completion", Extract: PromptPlusCompletion},
	{Name: "length_estimate", Extract: LengthEstimate},
}

// Count applies rules in order and returns the first match with its rule
// name. With no matching rule it returns 0 and an empty name.
func Count(in Input, rules []Rule) (int64, string) {
	for _, r := range rules {
		if n, ok := r.Extract(in); ok {
			return n, r.Name
		}
	}
	return 0, ""
}

// ImageGeneration bills one token for a successful image generation.
func ImageGeneration(in Input) (int64, bool) {
	if in.Path == ImageGenerationPath && in.Status >= 200 && in.Status < 300 {
		return 1, true
	}
	return 0, false
}

// TotalTokens uses usage.total_tokens when it is positive.
func TotalTokens(in Input) (int64, bool) {
	if !gjson.ValidBytes(in.Body) {
		return 0, false
	}
	total := gjson.GetBytes(in.Body, "usage.total_tokens")
	if total.Type != gjson.Number || total.Int() <= 0 {
		return 0, false
	}
	return total.Int(), true
}

// PromptPlusCompletion sums usage.prompt_tokens and usage.completion_tokens
// when both are present and at least one is positive.
func PromptPlusCompletion(in Input) (int64, bool) {
	if !gjson.ValidBytes(in.Body) {
		return 0, false
	}
	usage := gjson.GetBytes(in.Body, "usage")
	prompt := usage.Get("prompt_tokens")
	completion := usage.Get("completion_tokens")
	if prompt.Type != gjson.Number || completion.Type != gjson.Number {
		return 0, false
	}
	p, c := prompt.Int(), completion.Int()
	if p <= 0 && c <= 0 {
		return 0, false
	}
	if sum := p + c; sum > 0 {
		return sum, true
	}
	return 0, false
}

// LengthEstimate is the fallback: input estimate plus a quarter of the
// response size in bytes. It always matches.
func LengthEstimate(in Input) (int64, bool) {
	return in.InputTokens + ceilDiv4(int64(len(in.Body))), true
}

// InputChars sums the rune counts of every string messages[].content in a
// request body. Non-string content is ignored.
func InputChars(body []byte) int64 {
	var chars int64
	eachMessageContent(body, func(s string) {
		chars += int64(utf8.RuneCountInString(s))
	})
	return chars
}

// StreamEstimate converts streamed delta characters into tokens.
func StreamEstimate(chars int64) int64 {
	return ceilDiv4(chars)
}

func eachMessageContent(body []byte, fn func(string)) {
	if !gjson.ValidBytes(body) {
		return
	}
	gjson.GetBytes(body, "messages.#.content").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			fn(v.Str)
		}
		return true
	})
}

func ceilDiv4(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
