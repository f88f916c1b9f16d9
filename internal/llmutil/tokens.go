package llmutil

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the shared cl100k_base codec. It is a close enough
// approximation of Gemini tokenization for budgeting purposes.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text.
func EstimateTokens(text string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// TruncateTokens cuts text to at most maxTokens tokens. It reports whether
// anything was removed. A non-positive budget disables truncation.
func TruncateTokens(text string, maxTokens int) (string, bool, error) {
	if maxTokens <= 0 {
		return text, false, nil
	}
	c, err := getCodec()
	if err != nil {
		return "", false, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return "", false, fmt.Errorf("encoding text: %w", err)
	}
	if len(ids) <= maxTokens {
		return text, false, nil
	}
	out, err := c.Decode(ids[:maxTokens])
	if err != nil {
		return "", false, fmt.Errorf("decoding truncated tokens: %w", err)
	}
	return out, true, nil
}
