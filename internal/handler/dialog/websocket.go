package dialog

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatService "github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WebSocketHandler 通过 WebSocket 提供与 /get_message 相同的收发能力。
// 每个入站帧触发一次完整的处理流程，回复整条返回，不做分片推送。
// 数据帧只在读循环里写出，ping 走 WriteControl。
type WebSocketHandler struct {
	svc         Service
	upgrader    websocket.Upgrader
	readTimeout time.Duration
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(svc Service) *WebSocketHandler {
	return &WebSocketHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readTimeout: wsReadTimeout,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type outgoingFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type errorData struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"status"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	go pingLoop(ctx, ws)

	log.Debug().Str("remote", r.RemoteAddr).Msg("[websocket] connection opened")

	for {
		// the idle window starts after the previous reply, not when its
		// request arrived, so a slow turn cannot eat into it
		_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("[websocket] read error")
			}
			return
		}

		frame := h.process(ctx, raw)
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(frame); err != nil {
			log.Warn().Err(err).Msg("[websocket] write failed")
			return
		}
	}
}

// process runs one frame through the pipeline and returns the frame to send
// back.
func (h *WebSocketHandler) process(ctx context.Context, raw []byte) outgoingFrame {
	var payload GetMessageRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorFrame(http.StatusBadRequest, "", "invalid message payload")
	}

	req, err := payload.toRequest()
	if err == nil {
		var reply chatService.Reply
		if reply, err = h.svc.HandleMessage(ctx, req); err == nil {
			return outgoingFrame{
				Type:      "reply",
				Data:      GetMessageResponse{NewMsgText: reply.Text, DialogID: reply.DialogID},
				Timestamp: time.Now().Unix(),
			}
		}
	}

	status, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("[websocket] message failed")
	}
	return errorFrame(status, fieldOf(err), message)
}

func errorFrame(status int, field, message string) outgoingFrame {
	return outgoingFrame{
		Type:      "error",
		Data:      errorData{Message: message, Field: field, Status: status},
		Timestamp: time.Now().Unix(),
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
