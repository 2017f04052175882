package webhook

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	model "github.com/zhouzirui/session-gateway/internal/model/webhook"
	"github.com/zhouzirui/session-gateway/internal/observability"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	webhookService "github.com/zhouzirui/session-gateway/internal/service/webhook"
	"github.com/zhouzirui/session-gateway/pkg/utils"
)

const maxBody = 64 << 10

// Handler Webhook配置处理器
type Handler struct {
	engine *webhookService.Engine
	logger zerolog.Logger
}

// New 创建Webhook处理器
func New(engine *webhookService.Engine) *Handler {
	return &Handler{
		engine: engine,
		logger: observability.Component("http.webhook"),
	}
}

// RegisterRoutes 注册Webhook相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.handleGet(globalKey))
	r.Put("/webhook", h.handlePut(globalKey))
	r.Delete("/webhook", h.handleDelete(globalKey))
	r.Get("/webhooks", h.handleList)

	r.Get("/sessions/{sessionID}/webhook", h.handleGet(sessionKey))
	r.Put("/sessions/{sessionID}/webhook", h.handlePut(sessionKey))
	r.Delete("/sessions/{sessionID}/webhook", h.handleDelete(sessionKey))
}

type keyFunc func(r *http.Request) (string, error)

func globalKey(*http.Request) (string, error) {
	return model.GlobalKey, nil
}

// sessionKey 会话ID即订阅键，"global"不是合法的会话ID
func sessionKey(r *http.Request) (string, error) {
	id := chi.URLParam(r, "sessionID")
	if err := sessionService.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

type subscriptionResponse struct {
	model.Subscription
	Status model.Status `json:"status"`
}

func (h *Handler) handleGet(key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := key(r)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		sub, status, ok := h.engine.Get(k)
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "webhook not configured")
			return
		}
		utils.RespondJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub, Status: status})
	}
}

// handlePut 配置Webhook，url为空时等同于删除
func (h *Handler) handlePut(key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := key(r)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		var payload struct {
			URL    string   `json:"url"`
			Events []string `json:"events"`
		}
		if err := utils.DecodeJSON(w, r, maxBody, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sub, err := h.engine.Configure(r.Context(), k, payload.URL, payload.Events)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if sub.Key == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		_, status, _ := h.engine.Get(k)
		utils.RespondJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub, Status: status})
	}
}

func (h *Handler) handleDelete(key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := key(r)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.engine.Delete(r.Context(), k); err != nil {
			h.respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	subs := h.engine.List()
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		_, status, _ := h.engine.Get(sub.Key)
		out = append(out, subscriptionResponse{Subscription: sub, Status: status})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhookService.ErrInvalidURL),
		errors.Is(err, webhookService.ErrUnknownEvent),
		errors.Is(err, webhookService.ErrInvalidKey):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Msg("webhook request failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to update webhook")
	}
}
