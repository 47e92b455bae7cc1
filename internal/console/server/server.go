package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов Control API.
type Handlers struct {
	Auth        *handler.AuthHandler
	Transitions *handler.TransitionHandler
	Agents      *handler.AgentHandler
	Runs        *handler.RunHandler
	Approvals   *handler.ApprovalHandler
	Rules       *handler.RuleHandler
	Quarantine  *handler.QuarantineHandler
	Audit       *handler.AuditHandler
	Dashboard   *handler.DashboardHandler
}

type ConsoleServer struct {
	router    *chi.Mux
	logger    *zap.Logger
	validator auth.TokenValidator
	h         Handlers
}

// NewConsoleServer собирает HTTP-сервер Control API со всеми зависимостями.
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:    chi.NewRouter(),
		logger:    logger.Named("console-api"),
		validator: validator,
		h:         h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// Инфраструктурные middleware — для всех
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Публичные роуты
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// Защищенный периметр: RS256-токен обязателен
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Get("/api/v1/dashboard/stats", s.h.Dashboard.GetStats)

		// Управляемая смена состояния агента одним событием
		r.Post("/v1/transitions", s.h.Transitions.Apply)

		// Жизненный цикл агентов
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.h.Agents.List)
			r.Post("/", s.h.Agents.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Agents.Get)
				r.Post("/validate", s.h.Agents.Validate)
				r.Post("/allocate", s.h.Agents.Allocate)
				r.Post("/startup", s.h.Agents.ReportStartup)
				r.Post("/heartbeat", s.h.Agents.Heartbeat)
				r.Post("/drain", s.h.Agents.Drain)
				r.Post("/stop", s.h.Agents.Stop)
				r.Post("/restart", s.h.Agents.Restart)
				r.Post("/retire", s.h.Agents.Retire)
				r.Put("/timers", s.h.Agents.ConfigureTimers)
				r.Post("/rollback-canary", s.h.Quarantine.RollbackCanary)
			})
		})

		// Раны: прием, разбор, ручные операции
		r.Route("/v1/runs", func(r chi.Router) {
			r.Get("/", s.h.Runs.List)
			r.Post("/", s.h.Runs.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Runs.Get)
				r.Post("/cancel", s.h.Runs.Cancel)
				r.Post("/resume", s.h.Runs.Resume)
				r.Post("/compensate", s.h.Runs.Compensate)
				r.Put("/sla", s.h.Runs.ConfigureSLA)
			})
		})

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approvals.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Approvals.Get)
				r.Post("/decide", s.h.Approvals.Decide)
			})
		})

		// Правила маршрутизации
		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.h.Rules.List)
			r.Post("/", s.h.Rules.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Rules.Get)
				r.Put("/", s.h.Rules.Update)
				r.Delete("/", s.h.Rules.Delete)
			})
		})

		// Карантин: triage-воркфлоу
		r.Route("/v1/quarantines", func(r chi.Router) {
			r.Get("/", s.h.Quarantine.List)
			r.Post("/", s.h.Quarantine.Isolate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Quarantine.Get)
				r.Post("/evidence", s.h.Quarantine.AttachEvidence)
				r.Put("/checklist", s.h.Quarantine.UpdateChecklist)
				r.Post("/reenable", s.h.Quarantine.Reenable)
			})
		})

		// Аудиторский след
		r.Get("/v1/audit", s.h.Audit.Query)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler.
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
