package realtime

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/session-gateway/internal/model/event"
	"github.com/zhouzirui/session-gateway/internal/observability"
	"github.com/zhouzirui/session-gateway/internal/service/fanout"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/pkg/utils"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	heartbeatInterval = 15 * time.Second
	replyBuffer       = 16
)

// Handler 实时事件推送处理器，支持WebSocket和SSE
type Handler struct {
	hub      *fanout.Hub
	buffer   int
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New 创建实时推送处理器
func New(hub *fanout.Hub, buffer int) *Handler {
	return &Handler{
		hub:    hub,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: observability.Component("http.realtime"),
	}
}

// RegisterRoutes 注册实时推送路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime", h.handleRealtime)
	r.Get("/sessions/{sessionID}/live", h.handleLive)
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

// controlMessage 客户端控制帧
type controlMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleRealtime 多会话WebSocket连接，通过join/leave控制帧订阅
func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	h.serveWebSocket(w, r, "")
}

// handleLive 单会话WebSocket连接，建立时即加入房间
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := sessionService.ValidateID(sessionID); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveWebSocket(w, r, sessionID)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, initial string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := fanout.NewSubscriber(h.buffer)
	defer h.hub.UnsubscribeAll(sub)

	replies := make(chan outgoingMessage, replyBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, sub, replies)
	}()

	reply := func(msg outgoingMessage) {
		msg.Timestamp = time.Now().UnixMilli()
		select {
		case replies <- msg:
		case <-ctx.Done():
		}
	}

	if initial != "" {
		h.hub.Subscribe(initial, sub)
		reply(outgoingMessage{Type: "joined", SessionID: initial})
	}

	h.logger.Debug().Str("session", initial).Msg("websocket connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket read error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := sessionService.ValidateID(msg.SessionID); err != nil {
			reply(outgoingMessage{Type: "error", Data: map[string]string{"message": err.Error()}})
			continue
		}

		switch msg.Action {
		case "join":
			h.hub.Subscribe(msg.SessionID, sub)
			reply(outgoingMessage{Type: "joined", SessionID: msg.SessionID})
		case "leave":
			h.hub.Unsubscribe(msg.SessionID, sub)
			reply(outgoingMessage{Type: "left", SessionID: msg.SessionID})
		default:
			reply(outgoingMessage{Type: "error", SessionID: msg.SessionID, Data: map[string]string{"message": "unsupported action: " + msg.Action}})
		}
	}

	cancel()
	<-writerDone
}

// writeLoop 是连接上唯一的写入者
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscriber, replies <-chan outgoingMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(msg outgoingMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-replies:
			if err := write(msg); err != nil {
				return
			}
		case ev := <-sub.Events():
			if err := write(eventMessage(ev)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func eventMessage(ev event.Event) outgoingMessage {
	return outgoingMessage{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Data:      ev,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
}

// handleEvents 以SSE推送单个会话的事件
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := sessionService.ValidateID(sessionID); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := fanout.NewSubscriber(h.buffer)
	h.hub.Subscribe(sessionID, sub)
	defer h.hub.Unsubscribe(sessionID, sub)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "connected"); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.Events():
			if err := utils.SendSSEEvent(w, flusher, strconv.FormatUint(ev.Seq, 10), string(ev.Type), ev); err != nil {
				h.logger.Debug().Err(err).Str("session", sessionID).Msg("sse client gone")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "ping"); err != nil {
				return
			}
		}
	}
}
