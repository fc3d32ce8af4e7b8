// Package translate localizes gateway-authored messages and normalizes
// user feedback to English.
package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
)

// English is the language feedback text is stored in.
const English = "en"

// Translator translates text into a target language given as a BCP 47 tag
// or plain language name.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Noop returns text unchanged.
type Noop struct{}

func (Noop) Translate(_ context.Context, text, _ string) (string, error) { return text, nil }

// Same reports whether lang needs no translation from English.
func Same(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return lang == "" || lang == English || strings.HasPrefix(lang, English+"-")
}

// OrOriginal translates text and falls back to text when translation fails.
// The failure is logged, not returned.
func OrOriginal(ctx context.Context, t Translator, text, targetLang string) string {
	if t == nil || text == "" {
		return text
	}
	out, err := t.Translate(ctx, text, targetLang)
	if err != nil {
		observe.Logger(ctx).WarnContext(ctx, "translation failed, using original", "lang", targetLang, "err", err)
		return text
	}
	return out
}

const systemPrompt = "You are a translation engine. Translate the user's message into the language %q. " +
	"Keep line breaks, numbering, emoji and placeholders. Reply with the translation only."

// LLM translates with a language model. Results of fixed gateway messages
// repeat often and are cached per (language, text).
type LLM struct {
	provider llm.Provider
	maxCache int

	mu    sync.Mutex
	cache map[cacheKey]string
}

type cacheKey struct{ lang, text string }

var _ Translator = (*LLM)(nil)

// Option configures an [LLM].
type Option func(*LLM)

// WithCacheSize bounds the number of cached translations. Zero disables the
// cache. Defaults to 512.
func WithCacheSize(n int) Option {
	return func(t *LLM) { t.maxCache = n }
}

// NewLLM creates an LLM translator.
func NewLLM(p llm.Provider, opts ...Option) *LLM {
	t := &LLM{provider: p, maxCache: 512, cache: make(map[cacheKey]string)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Translate implements [Translator]. Empty text and an empty target are
// returned unchanged.
func (t *LLM) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" || targetLang == "" {
		return text, nil
	}
	key := cacheKey{lang: strings.ToLower(targetLang), text: text}
	t.mu.Lock()
	cached, ok := t.cache[key]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	start := time.Now()
	resp, err := t.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(systemPrompt, targetLang),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
	})
	observe.DefaultMetrics().TranslationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("translate: %s: %w", targetLang, err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("translate: %s: empty response", targetLang)
	}

	if t.maxCache > 0 {
		t.mu.Lock()
		if len(t.cache) >= t.maxCache {
			clear(t.cache)
		}
		t.cache[key] = out
		t.mu.Unlock()
	}
	return out, nil
}
