package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
	dialogModel "github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/ai"
	chatService "github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/humanize"
	"github.com/zhouzirui/dialog-relay/backend/internal/store"
	"github.com/zhouzirui/dialog-relay/backend/pkg/utils"
)

func newTestService() (*chatService.Service, *store.MemoryStore) {
	mem := store.NewMemoryStore()
	humanizer := humanize.New(config.HumanizerConfig{TypoProbability: 0, DelayEnabled: false})
	svc := chatService.NewService(mem, ai.NewContextBuilder(mem, "S"), ai.Disabled(), humanizer, persona.DefaultPlaceholderReply)
	return svc, mem
}

func setupRouter(svc Service) *chi.Mux {
	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r
}

func postJSON(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/get_message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestGetMessagePlaceholder(t *testing.T) {
	svc, mem := newTestService()
	r := setupRouter(svc)

	dialogID := uuid.New()
	messageID := uuid.New()
	payload, _ := json.Marshal(map[string]string{
		"dialog_id":       dialogID.String(),
		"last_msg_text":   "Hi",
		"last_message_id": messageID.String(),
	})

	resp := postJSON(t, r, string(payload))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body GetMessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "глотай пыль", body.NewMsgText)
	assert.Equal(t, dialogID, body.DialogID)

	turns, err := mem.ListByDialog(context.Background(), dialogID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, messageID, turns[0].ID)
}

func TestGetMessageValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{name: "malformed json", body: `{"dialog_id":`, status: http.StatusBadRequest},
		{name: "bad dialog id", body: `{"dialog_id":"nope","last_msg_text":"Hi"}`, status: http.StatusUnprocessableEntity, field: "dialog_id"},
		{name: "missing dialog id", body: `{"last_msg_text":"Hi"}`, status: http.StatusUnprocessableEntity, field: "dialog_id"},
		{name: "empty text", body: `{"dialog_id":"` + uuid.NewString() + `","last_msg_text":""}`, status: http.StatusUnprocessableEntity, field: "last_msg_text"},
		{name: "non string text", body: `{"dialog_id":"` + uuid.NewString() + `","last_msg_text":42}`, status: http.StatusUnprocessableEntity, field: "last_msg_text"},
		{name: "bad message id", body: `{"dialog_id":"` + uuid.NewString() + `","last_msg_text":"Hi","last_message_id":"x"}`, status: http.StatusUnprocessableEntity, field: "last_message_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem := newTestService()
			resp := postJSON(t, setupRouter(svc), tt.body)
			require.Equal(t, tt.status, resp.Code, resp.Body.String())

			var body utils.ErrorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tt.field, body.Field)

			var dialogID struct {
				DialogID string `json:"dialog_id"`
			}
			if json.Unmarshal([]byte(tt.body), &dialogID) == nil {
				if id, err := uuid.Parse(dialogID.DialogID); err == nil {
					turns, _ := mem.ListByDialog(context.Background(), id)
					assert.Empty(t, turns)
				}
			}
		})
	}
}

type stubService struct {
	err     error
	history []dialogModel.Turn
}

func (s *stubService) HandleMessage(context.Context, chatService.Request) (chatService.Reply, error) {
	return chatService.Reply{}, s.err
}

func (s *stubService) History(context.Context, uuid.UUID) ([]dialogModel.Turn, error) {
	return s.history, s.err
}

func TestGetMessageMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{name: "storage", err: &store.StorageError{Op: "append", Err: errors.New("down")}, status: http.StatusInternalServerError, msg: "storage failure"},
		{name: "generation", err: &ai.GenerationError{Reason: "backend returned no text"}, status: http.StatusInternalServerError, msg: "generation failed"},
		{name: "timeout", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, msg: "request timed out"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, msg: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(&stubService{err: tt.err})
			resp := postJSON(t, r, `{"dialog_id":"`+uuid.NewString()+`","last_msg_text":"Hi"}`)
			require.Equal(t, tt.status, resp.Code)

			var body utils.ErrorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.msg, body.Error)
			assert.NotContains(t, resp.Body.String(), "down")
		})
	}
}

func TestListMessages(t *testing.T) {
	svc, _ := newTestService()
	r := setupRouter(svc)

	dialogID := uuid.New()
	for _, text := range []string{"one", "two"} {
		payload, _ := json.Marshal(map[string]string{"dialog_id": dialogID.String(), "last_msg_text": text})
		resp := postJSON(t, r, string(payload))
		require.Equal(t, http.StatusOK, resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/dialogs/"+dialogID.String()+"/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		DialogID uuid.UUID `json:"dialog_id"`
		Messages []struct {
			Text             string `json:"text"`
			ParticipantIndex int    `json:"participant_index"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, dialogID, body.DialogID)
	require.Len(t, body.Messages, 4)
	assert.Equal(t, "one", body.Messages[0].Text)
	assert.Equal(t, 0, body.Messages[0].ParticipantIndex)
	assert.Equal(t, 1, body.Messages[1].ParticipantIndex)
	assert.Equal(t, "two", body.Messages[2].Text)
}

func TestListMessagesInvalidID(t *testing.T) {
	r := setupRouter(&stubService{})

	req := httptest.NewRequest(http.MethodGet, "/dialogs/not-a-uuid/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestListMessagesEmptyDialog(t *testing.T) {
	svc, _ := newTestService()
	r := setupRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/dialogs/"+uuid.NewString()+"/messages", bytes.NewReader(nil))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"messages":[]`)
}
