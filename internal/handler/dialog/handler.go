package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	dialogModel "github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/ai"
	chatService "github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
	"github.com/zhouzirui/dialog-relay/backend/internal/store"
	"github.com/zhouzirui/dialog-relay/backend/pkg/utils"
)

// maxBodyBytes caps the size of a /get_message request body.
const maxBodyBytes = 1 << 20

// Service is the turn pipeline used by the handlers.
type Service interface {
	HandleMessage(ctx context.Context, req chatService.Request) (chatService.Reply, error)
	History(ctx context.Context, dialogID uuid.UUID) ([]dialogModel.Turn, error)
}

// Handler 对话服务的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建对话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/get_message", h.handleGetMessage)
	r.Get("/dialogs/{dialogID}/messages", h.handleListMessages)
}

// GetMessageRequest is the body of POST /get_message.
type GetMessageRequest struct {
	DialogID      string  `json:"dialog_id"`
	LastMsgText   string  `json:"last_msg_text"`
	LastMessageID *string `json:"last_message_id,omitempty"`
	Model         string  `json:"model,omitempty"`
}

// GetMessageResponse is the body returned by POST /get_message.
type GetMessageResponse struct {
	NewMsgText string    `json:"new_msg_text"`
	DialogID   uuid.UUID `json:"dialog_id"`
}

// HistoryResponse is the body returned by GET /dialogs/{dialogID}/messages.
type HistoryResponse struct {
	DialogID uuid.UUID          `json:"dialog_id"`
	Messages []dialogModel.Turn `json:"messages"`
}

// handleGetMessage 接收用户消息并返回生成的回复
func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	var payload GetMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			utils.RespondFieldError(w, http.StatusUnprocessableEntity, typeErr.Field, "invalid "+typeErr.Field+": wrong type")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := payload.toRequest()
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	reply, err := h.svc.HandleMessage(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, GetMessageResponse{
		NewMsgText: reply.Text,
		DialogID:   reply.DialogID,
	})
}

// handleListMessages 返回对话的全部消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	dialogID, err := parseUUID("dialog_id", chi.URLParam(r, "dialogID"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	turns, err := h.svc.History(r.Context(), dialogID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, HistoryResponse{DialogID: dialogID, Messages: turns})
}

func (p GetMessageRequest) toRequest() (chatService.Request, error) {
	dialogID, err := parseUUID("dialog_id", p.DialogID)
	if err != nil {
		return chatService.Request{}, err
	}

	req := chatService.Request{
		DialogID: dialogID,
		Text:     p.LastMsgText,
		Model:    p.Model,
	}
	if p.LastMessageID != nil {
		if req.MessageID, err = parseUUID("last_message_id", *p.LastMessageID); err != nil {
			return chatService.Request{}, err
		}
	}
	return req, nil
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, &dialogModel.ValidationError{Field: field, Reason: "must be a valid UUID"}
	}
	return id, nil
}

// StatusFor maps a pipeline error onto an HTTP status and a client-safe message.
func StatusFor(err error) (int, string) {
	var (
		validationErr *dialogModel.ValidationError
		generationErr *ai.GenerationError
		storageErr    *store.StorageError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, validationErr.Error()
	case errors.As(err, &generationErr):
		return http.StatusInternalServerError, "generation failed"
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, "storage failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		log.Info().Str("request_id", chimw.GetReqID(r.Context())).Msg("[dialog] client went away")
		return
	}

	status, message := StatusFor(err)

	var validationErr *dialogModel.ValidationError
	if errors.As(err, &validationErr) {
		utils.RespondFieldError(w, status, validationErr.Field, message)
		return
	}

	log.Error().
		Err(err).
		Str("request_id", chimw.GetReqID(r.Context())).
		Int("status", status).
		Msgf("[dialog] %s", message)
	utils.RespondError(w, status, message)
}

func fieldOf(err error) string {
	var validationErr *dialogModel.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Field
	}
	return ""
}
