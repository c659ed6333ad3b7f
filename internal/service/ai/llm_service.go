package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
)

// DefaultModel is used unless configuration or a call overrides it.
const DefaultModel = "gpt-4o"

// ErrDisabled is returned by Generate on a Service built without a backend.
// Callers are expected to check Enabled first.
var ErrDisabled = errors.New("reply generation is not configured")

// GenerationError reports a reachable backend that failed or answered with
// nothing usable.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed: " + e.Reason
	}
	return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Backend performs one chat completion against a remote model.
type Backend interface {
	Complete(ctx context.Context, model string, messages []*schema.Message) (string, error)
}

// Service is the reply generator. It is either enabled with a backend or
// explicitly disabled; the mode is fixed at construction.
type Service struct {
	enabled bool
	backend Backend
	model   string
	timeout time.Duration
}

// NewService builds the generator from configuration. Missing credentials
// produce a disabled Service, not an error.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	if !cfg.Enabled() {
		return Disabled(), nil
	}

	var backend Backend
	switch cfg.Provider {
	case config.ProviderArk:
		chatModel, modelErr := cfg.NewChatModel(ctx)
		if modelErr != nil {
			return nil, errors.Wrap(modelErr, "create ark chat model")
		}
		backend = NewChatModelBackend(chatModel)
	default:
		openaiBackend, openaiErr := NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.ProxyURL)
		if openaiErr != nil {
			return nil, errors.Wrap(openaiErr, "create openai client")
		}
		openaiBackend.SetSampling(cfg.Temperature, cfg.TopP, cfg.MaxTokens)
		backend = openaiBackend
	}

	return NewServiceWithBackend(backend, cfg.Model, cfg.Timeout), nil
}

// NewServiceWithBackend returns an enabled Service. An empty model falls
// back to DefaultModel; a zero timeout disables the per-call deadline.
func NewServiceWithBackend(backend Backend, model string, timeout time.Duration) *Service {
	if model == "" {
		model = DefaultModel
	}
	return &Service{
		enabled: true,
		backend: backend,
		model:   model,
		timeout: timeout,
	}
}

// Disabled returns a Service that never calls out.
func Disabled() *Service {
	return &Service{model: DefaultModel}
}

// Enabled reports whether a remote model is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.backend != nil
}

// Model returns the default model name used by Generate.
func (s *Service) Model() string {
	return s.model
}

// GenerateOption tweaks a single Generate call.
type GenerateOption func(*generateOptions)

type generateOptions struct {
	model string
}

// WithModel overrides the model for one call.
func WithModel(model string) GenerateOption {
	return func(o *generateOptions) { o.model = model }
}

// Generate sends the assembled context to the backend and returns the reply
// text. Any backend failure or an empty reply is a *GenerationError.
func (s *Service) Generate(ctx context.Context, messages []*schema.Message, opts ...GenerateOption) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	options := generateOptions{model: s.model}
	for _, opt := range opts {
		opt(&options)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.backend.Complete(ctx, options.model, messages)
	if err != nil {
		return "", &GenerationError{Reason: "backend call failed", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &GenerationError{Reason: "backend returned no text"}
	}

	log.Info().
		Str("model", options.model).
		Int("context_messages", len(messages)).
		Int("reply_length", len(text)).
		Dur("elapsed", time.Since(start)).
		Msg("[ai] generated reply")
	return text, nil
}
