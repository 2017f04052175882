package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	metricsHandler "github.com/zhouzirui/session-gateway/internal/handler/metrics"
	"github.com/zhouzirui/session-gateway/internal/handler/realtime"
	sessionHandler "github.com/zhouzirui/session-gateway/internal/handler/session"
	webhookHandler "github.com/zhouzirui/session-gateway/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/session-gateway/internal/middleware"
	"github.com/zhouzirui/session-gateway/internal/observability"
	"github.com/zhouzirui/session-gateway/internal/service/fanout"
	metricsService "github.com/zhouzirui/session-gateway/internal/service/metrics"
	sessionService "github.com/zhouzirui/session-gateway/internal/service/session"
	"github.com/zhouzirui/session-gateway/internal/service/store"
	webhookService "github.com/zhouzirui/session-gateway/internal/service/webhook"
	"github.com/zhouzirui/session-gateway/pkg/utils"
)

// Deps collects the services the HTTP surface is built on.
type Deps struct {
	Sessions  *sessionService.Service
	Store     *store.Store
	Webhooks  *webhookService.Engine
	Collector *metricsService.Collector
	Hub       *fanout.Hub

	APIKey         string
	CORSOrigins    []string
	MaxMediaBytes  int64
	RealtimeBuffer int
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(observability.Component("http")))
	r.Use(observability.RequestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.APIKey(deps.APIKey))

		sessionHandler.New(deps.Sessions, deps.Store, deps.MaxMediaBytes).RegisterRoutes(api)
		webhookHandler.New(deps.Webhooks).RegisterRoutes(api)
		realtime.New(deps.Hub, deps.RealtimeBuffer).RegisterRoutes(api)

		if deps.Collector != nil {
			metricsHandler.New(deps.Collector).RegisterRoutes(api)
		}
	})

	return r
}
