// Package app assembles the relay from configuration: message store, persona,
// generator, humanizer and the turn pipeline.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
	"github.com/zhouzirui/dialog-relay/backend/internal/handler"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/internal/retry"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/ai"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/humanize"
	"github.com/zhouzirui/dialog-relay/backend/internal/store"
)

// App holds the wired components of a running relay.
type App struct {
	Store     store.Store
	Personas  *persona.MemoryStore
	Persona   persona.Persona
	Generator *ai.Service
	Chat      *chat.Service
}

// OpenStore opens the configured store, waits until it answers and makes
// sure the schema exists.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s, err := store.Open(ctx, cfg.Database.URL, store.Options{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		Interval:    cfg.Startup.RetryInterval,
		MaxInterval: cfg.Startup.RetryMaxInterval,
		MaxAttempts: cfg.Startup.RetryMaxAttempts,

		// a dial to an unreachable host must not outlive the poll interval
		AttemptTimeout: pingTimeout(cfg.Startup),
		Name:           "store ping",
	}
	if err := retry.Do(ctx, policy, s.Ping); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "wait for message store")
	}

	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return s, nil
}

// pingTimeout bounds each readiness ping by the polling interval.
func pingTimeout(cfg config.StartupConfig) time.Duration {
	if cfg.RetryInterval <= 0 {
		return retry.DefaultPolicy.Interval
	}
	return cfg.RetryInterval
}

// LoadPersonas reads the persona file when configured, otherwise the built-in
// set, and resolves the active persona.
func LoadPersonas(cfg config.PersonaConfig) (*persona.MemoryStore, persona.Persona, error) {
	items := persona.Seed()
	if cfg.File != "" {
		loaded, err := persona.LoadFile(cfg.File)
		if err != nil {
			return nil, persona.Persona{}, err
		}
		items = loaded
	}

	personas := persona.NewMemoryStore(items)
	active, ok := persona.Resolve(personas, cfg.ID)
	if !ok {
		return nil, persona.Persona{}, errors.Errorf("persona %q not found", cfg.ID)
	}
	return personas, active, nil
}

// New builds the whole relay. The returned App owns the store; call Close.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	personas, active, err := LoadPersonas(cfg.Persona)
	if err != nil {
		return nil, err
	}

	generator, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		return nil, err
	}
	if generator.Enabled() {
		log.Info().
			Str("provider", string(cfg.AI.Provider)).
			Str("model", generator.Model()).
			Msg("reply generation enabled")
	} else {
		log.Info().Msg("reply generation not configured, placeholder replies will be used")
	}

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	builder := ai.NewContextBuilder(s, ai.BuildSystemPrompt(active, cfg.Persona.SystemPrompt))
	humanizer := humanize.New(cfg.Humanizer)

	return &App{
		Store:     s,
		Personas:  personas,
		Persona:   active,
		Generator: generator,
		Chat:      chat.NewService(s, builder, generator, humanizer, active.PlaceholderReply),
	}, nil
}

// Deps returns the router dependencies for this App.
func (a *App) Deps() handler.Deps {
	return handler.Deps{
		Dialogs:           a.Chat,
		Personas:          a.Personas,
		Persona:           a.Persona,
		Store:             a.Store,
		GenerationEnabled: a.Generator.Enabled(),
	}
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
