package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/console/handler"
	"github.com/xela07ax/fleet-relay/internal/domain"
	"github.com/xela07ax/fleet-relay/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil: проверка токенов выключена (локальный запуск без ключа)
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	deploymentHandler *handler.DeploymentHandler // /v1/deployments
	agentHandler      *handler.AgentHandler      // /v1/agents
}

// NewConsoleServer собирает операторский HTTP API
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	deploymentH *handler.DeploymentHandler,
	agentH *handler.AgentHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:            chi.NewRouter(),
		logger:            logger.Named("console-api"),
		authValidator:     validator,
		gatherer:          gatherer,
		deploymentHandler: deploymentH,
		agentHandler:      agentH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	// Публичные
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// Защищенный периметр
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		} else {
			r.Use(auth.Disabled())
		}

		r.Route("/v1/deployments", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeDeploymentsRead)).Get("/", s.deploymentHandler.List)
			r.With(auth.RequireScope(domain.ScopeDeploymentsWrite)).Post("/", s.deploymentHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(domain.ScopeDeploymentsRead)).Get("/", s.deploymentHandler.Get)
				r.With(auth.RequireScope(domain.ScopeDeploymentsRead)).Get("/progress", s.deploymentHandler.Progress)
				r.With(auth.RequireScope(domain.ScopeDeploymentsRead)).Get("/events", s.deploymentHandler.Events)
				r.With(auth.RequireScope(domain.ScopeDeploymentsWrite)).Post("/retry", s.deploymentHandler.Retry)
			})
		})

		r.Route("/v1/agents", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAgentsCommand))
			r.Get("/online", s.agentHandler.Online)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/commands", s.agentHandler.SendCommand)
				r.Get("/attach", s.agentHandler.Attach)
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
