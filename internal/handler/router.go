package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tcm-fusion/backend/internal/handler/results"
	"github.com/zhouzirui/tcm-fusion/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/tcm-fusion/backend/internal/middleware"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/collector"
	diagnosisService "github.com/zhouzirui/tcm-fusion/backend/internal/service/diagnosis"
	sessionService "github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

// Dependencies 汇总路由需要的服务。
type Dependencies struct {
	Sessions  *sessionService.Service
	Collector *collector.Collector
	Diagnoses *diagnosisService.Service
	// ServiceTokens 将诊法服务令牌映射到其绑定的诊法。
	ServiceTokens map[string]diagnosis.Modality
	AutoStart     bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(deps.Sessions, deps.Collector, deps.Diagnoses, session.Options{AutoStart: deps.AutoStart})
	resultsHandler := results.New(deps.Collector)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"mode":   string(deps.Collector.Mode()),
		})
	})

	// Register session routes
	sessionHandler.RegisterRoutes(r)

	// Modality services push with their own tokens
	r.Group(func(svc chi.Router) {
		svc.Use(middlewarePkg.ServiceAuth(deps.ServiceTokens))
		resultsHandler.RegisterRoutes(svc)
	})

	return r
}
