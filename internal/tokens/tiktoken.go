package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TiktokenCounter counts message content exactly with the BPE encoding of
// OpenAI-family models.
type TiktokenCounter struct {
	matcher *ModelMatcher

	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewTiktokenCounter creates a counter for OpenAI-family model names.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		// "o" prefixes cover the reasoning models
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-embedding"},
			nil,
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel reports whether model uses a known tiktoken encoding.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountInput encodes every string messages[].content. If the codec cannot
// be loaded it falls back to the character estimate.
func (c *TiktokenCounter) CountInput(model string, body []byte) int64 {
	codec, err := c.codec(model)
	if err != nil {
		return ceilDiv4(InputChars(body))
	}

	var total int64
	eachMessageContent(body, func(s string) {
		ids, _, err := codec.Encode(s)
		if err != nil {
			total += ceilDiv4(int64(len(s)))
			return
		}
		total += int64(len(ids))
	})
	return total
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	cached, ok := c.codecCache[encoding]
	c.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()
	return codec, nil
}

// modelToEncoding maps model names to encoding names.
//
// O200kBase: gpt-4o, gpt-4.1, gpt-5, o-series and unknown models.
// Cl100kBase: gpt-4, gpt-3.5-turbo, text-embedding models.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
