// Package tokencount estimates token counts for prompt budgeting. It wraps
// tiktoken-go with a per-model encoding cache; model ids it cannot map fall
// back to the cl100k_base vocabulary, which is close enough for capping
// injected context.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{cache: map[string]*tiktoken.Tiktoken{}}
}

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModel(model)

	c.mu.RLock()
	enc, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[name] = enc
	return enc, nil
}

// normalizeModel maps provider-prefixed ids like
// "meta-llama/llama-3.1-8b-instruct:free" onto tiktoken vocabulary names.
// Unknown families count as gpt-4: the estimate feeds budget caps, not
// billing.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")
	if strings.Contains(model, "gpt-3.5") {
		return "gpt-3.5-turbo"
	}
	return "gpt-4"
}

// Count returns the token count of text under the model's encoding. Encoder
// failures degrade to a chars/4 estimate instead of failing the caller.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc, err := c.encoding(model)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens, on token boundaries.
func (c *Counter) Truncate(text, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	enc, err := c.encoding(model)
	if err != nil {
		r := []rune(text)
		if len(r) <= maxTokens*4 {
			return text
		}
		return string(r[:maxTokens*4])
	}
	toks := enc.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return enc.Decode(toks[:maxTokens])
}
