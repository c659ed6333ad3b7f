// Package humanize makes generated replies look typed by a person: it
// sprinkles letter typos over the text and holds the reply back for a
// length-dependent while.
package humanize

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
)

// Humanizer applies typo injection followed by latency shaping.
type Humanizer struct {
	cfg      config.HumanizerConfig
	alphabet []rune

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a Humanizer.
type Option func(*Humanizer)

// WithSource fixes the random source, mostly for tests.
func WithSource(src rand.Source) Option {
	return func(h *Humanizer) { h.rng = rand.New(src) }
}

// WithSleep replaces the context-aware timer wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Humanizer) { h.sleep = sleep }
}

// New builds a Humanizer from configuration.
func New(cfg config.HumanizerConfig, opts ...Option) *Humanizer {
	if cfg.Alphabet == "" {
		cfg.Alphabet = config.DefaultTypoAlphabet
	}
	if cfg.CharsPerSecond <= 0 {
		cfg.CharsPerSecond = 20
	}

	h := &Humanizer{
		cfg:      cfg,
		alphabet: []rune(cfg.Alphabet),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Humanize injects typos, waits for the shaped delay and returns the text.
// The wait ends early with ctx.Err() if the request goes away.
func (h *Humanizer) Humanize(ctx context.Context, text string) (string, error) {
	noisy := h.InjectTypos(text)
	if !h.cfg.DelayEnabled {
		return noisy, nil
	}

	delay := h.Delay(noisy)
	log.Debug().Dur("delay", delay).Int("chars", utf8.RuneCountInString(noisy)).Msg("humanize: holding reply")
	if err := h.sleep(ctx, delay); err != nil {
		return "", err
	}
	return noisy, nil
}

// InjectTypos replaces each letter, independently with the configured
// probability, by a random letter of the alphabet. Other runes are kept and
// the rune count never changes.
func (h *Humanizer) InjectTypos(text string) string {
	p := h.cfg.TypoProbability
	if p <= 0 || text == "" {
		return text
	}

	runes := []rune(text)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range runes {
		if !unicode.IsLetter(r) {
			continue
		}
		if h.rng.Float64() < p {
			runes[i] = h.alphabet[h.rng.IntN(len(h.alphabet))]
		}
	}
	return string(runes)
}

// Delay draws a wait uniformly from [MinDelay, min(MaxDelay, chars/CharsPerSecond)).
// When the upper bound does not exceed MinDelay the wait is exactly MinDelay.
func (h *Humanizer) Delay(text string) time.Duration {
	chars := float64(utf8.RuneCountInString(text))
	upper := time.Duration(chars / h.cfg.CharsPerSecond * float64(time.Second))
	if upper > h.cfg.MaxDelay {
		upper = h.cfg.MaxDelay
	}
	if upper <= h.cfg.MinDelay {
		return h.cfg.MinDelay
	}

	h.mu.Lock()
	frac := h.rng.Float64()
	h.mu.Unlock()

	return h.cfg.MinDelay + time.Duration(frac*float64(upper-h.cfg.MinDelay))
}

// Sleep waits for d on a timer, returning early when ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
