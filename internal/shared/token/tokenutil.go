// Package token provides a centralized token counting utility backed by
// tiktoken-go. It lazily initializes the cl100k_base encoding on first use and
// falls back to a character-based heuristic if initialization fails. Both
// paths are monotone in the character count of the input, which is the only
// contract the runtime relies on.
package token

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Estimator approximates token counts for arbitrary text.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to the Estimator interface.
type EstimatorFunc func(text string) int

// Estimate implements Estimator.
func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// DefaultEstimator returns the tiktoken-backed estimator with heuristic fallback.
func DefaultEstimator() Estimator {
	return EstimatorFunc(CountTokens)
}

// CountTokens returns an accurate token count using cl100k_base encoding.
// If tiktoken is unavailable, it falls back to EstimateFast.
func CountTokens(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
// Use this when the tiktoken overhead is unacceptable (e.g. tight loops over
// very large text).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateToTokens truncates text to approximately maxTokens.
// Uses tiktoken for accurate truncation when available.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	initEncoding()
	if encoding != nil {
		tokens := encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return encoding.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}

// TailToTokens keeps the trailing portion of text up to approximately
// maxTokens, used by the arena's tail truncation strategy.
func TailToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	initEncoding()
	if encoding != nil {
		tokens := encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return "..." + encoding.Decode(tokens[len(tokens)-maxTokens:])
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return "..." + string(runes[len(runes)-limit:])
}

const defaultCacheSize = 2048

// CachingEstimator memoizes estimates for repeated content, keyed by the
// text itself. Arena entries are re-planned every turn with mostly unchanged
// content, so the hit rate is high in practice.
type CachingEstimator struct {
	inner Estimator
	cache *lru.Cache[string, int]
}

// NewCachingEstimator wraps inner with an LRU memo of size entries.
func NewCachingEstimator(inner Estimator, size int) *CachingEstimator {
	if inner == nil {
		inner = DefaultEstimator()
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		// lru.New only fails on non-positive size, already guarded above.
		panic(err)
	}
	return &CachingEstimator{inner: inner, cache: cache}
}

// Estimate implements Estimator.
func (e *CachingEstimator) Estimate(text string) int {
	if cached, ok := e.cache.Get(text); ok {
		return cached
	}
	estimate := e.inner.Estimate(text)
	e.cache.Add(text, estimate)
	return estimate
}
