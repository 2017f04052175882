package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/session-gateway/internal/model/metrics"
	"github.com/zhouzirui/session-gateway/internal/observability"
	metricsService "github.com/zhouzirui/session-gateway/internal/service/metrics"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/pkg/utils"
)

const (
	defaultHours = 24
	maxHours     = 168
)

// Handler 指标查询处理器
type Handler struct {
	collector *metricsService.Collector
}

// New 创建指标处理器
func New(collector *metricsService.Collector) *Handler {
	return &Handler{collector: collector}
}

// RegisterRoutes 注册指标相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/metrics/current", h.handleCurrent)
	r.Get("/metrics/health", h.handleHealth)
	r.Get("/metrics/historical", h.handleHistorical)
	r.Get("/metrics/sessions/{sessionID}", h.handleSession)
	r.Method(http.MethodGet, "/metrics/prometheus", observability.Handler())
}

// handleCurrent 返回最近一次采样，首次采样前返回503
func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.CurrentSnapshot()
	if snap == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "metrics not yet available")
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// handleHealth critical时返回503，便于负载均衡探测
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.collector.HealthStatus()
	status := http.StatusOK
	if health.Status == model.Critical {
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(w, status, health)
}

func (h *Handler) handleHistorical(w http.ResponseWriter, r *http.Request) {
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.collector.History(hours))
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := sessionService.ValidateID(id); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.collector.SessionHistory(id, hours))
}

// parseHours 解析hours参数，范围限制在1到168之间
func parseHours(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return defaultHours, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "hours must be an integer")
		return 0, false
	}
	if hours < 1 {
		hours = 1
	}
	if hours > maxHours {
		hours = maxHours
	}
	return hours, true
}
