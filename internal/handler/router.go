package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dialog-relay/backend/internal/handler/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/handler/persona"
	middlewarePkg "github.com/zhouzirui/dialog-relay/backend/internal/middleware"
	personaModel "github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/pkg/utils"
)

// Pinger reports whether the message store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects what the router needs.
type Deps struct {
	Dialogs  dialog.Service
	Personas personaModel.Store
	Persona  personaModel.Persona
	Store    Pinger
	// GenerationEnabled is reported by /healthz.
	GenerationEnabled bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	dialog.New(deps.Dialogs).RegisterRoutes(r)
	dialog.NewWebSocketHandler(deps.Dialogs).RegisterRoutes(r)
	persona.New(deps.Personas, deps.Persona).RegisterRoutes(r)

	r.Get("/healthz", healthHandler(deps.Store, deps.GenerationEnabled))

	return r
}

func healthHandler(store Pinger, generationEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := "placeholder"
		if generationEnabled {
			mode = "generate"
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if store != nil {
			if err := store.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("[health] store ping failed")
				utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"store":  "down",
					"mode":   mode,
				})
				return
			}
		}

		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"store":  "up",
			"mode":   mode,
		})
	}
}
