package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/pkg/utils"
)

// Handler persona服务的HTTP处理器
type Handler struct {
	personas persona.Store
	active   persona.Persona
}

// New 创建persona处理器，active 为当前服务使用的 persona
func New(personas persona.Store, active persona.Persona) *Handler {
	return &Handler{
		personas: personas,
		active:   active,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/persona", h.handleActivePersona)
	r.Get("/personas", h.handleListPersonas)
}

// handleActivePersona 返回当前 persona
func (h *Handler) handleActivePersona(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.active)
}

// handleListPersonas 列出所有persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.personas.List())
}
