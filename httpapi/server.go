package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/csrf"
	"github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/middleware"
)

// Server routes the auth surface and any embedder routes.
type Server struct {
	m      *authcore.Manager
	cfg    authcore.Config
	logger *zap.Logger
	csrf   *csrf.Guard
	router chi.Router

	userRoutes  []func(chi.Router)
	adminRoutes []func(chi.Router)
	metrics     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the Manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUserRoutes mounts business routes that need any completed session.
func WithUserRoutes(fn func(chi.Router)) Option {
	return func(s *Server) { s.userRoutes = append(s.userRoutes, fn) }
}

// WithAdminRoutes mounts routes under /admin that need a verified admin.
func WithAdminRoutes(fn func(chi.Router)) Option {
	return func(s *Server) { s.adminRoutes = append(s.adminRoutes, fn) }
}

// WithMetricsHandler replaces the Prometheus handler on /metrics. A nil
// handler removes the route.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New builds the router around m.
func New(m *authcore.Manager, opts ...Option) *Server {
	s := &Server{
		m:       m,
		cfg:     m.Config(),
		logger:  m.Logger(),
		csrf:    csrf.New(m.Cookies()),
		metrics: prometheus.New(m).Handler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIP(s.m))
	r.Use(middleware.AccessLog(s.logger, s.m))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if origins := s.cfg.CORS.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrf.HeaderName, "X-Session-ID", middleware.RequestIDHeader},
			ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { s.writeError(w, r, errNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { s.writeError(w, r, errNotFound) })

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/auth/status", s.handleStatus)
	r.With(s.anySession()).Get("/csrf/token", s.handleCSRFToken)

	r.Route("/auth", func(r chi.Router) {
		s.actorRoutes(r, authcore.ActorUser)
		r.With(s.anySession(), s.requireCSRF).Post("/logout-all", s.handleLogoutAll)

		r.Route("/service", func(r chi.Router) { s.actorRoutes(r, authcore.ActorService) })

		r.Route("/admin", func(r chi.Router) {
			s.actorRoutes(r, authcore.ActorAdmin)
			r.With(s.anySession(), s.requireActor(authcore.ActorAdmin), s.requireCSRF).
				Post("/verify-2fa", s.handleVerifySecondFactor)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.verifiedSession(), s.requireActor(authcore.ActorAdmin), s.requireCSRF, s.RateLimit(authcore.RateAdminOperation))
		r.Get("/2fa/setup", s.handleTOTPSetup)
		r.Post("/2fa/verify-setup", s.handleTOTPConfirm)
		r.Post("/2fa/disable", s.handleTOTPDisable)
		r.Post("/2fa/regenerate-backup-codes", s.handleRegenerateBackupCodes)
		r.Get("/2fa/status", s.handleTOTPStatus)
		for _, fn := range s.adminRoutes {
			fn(r)
		}
	})

	if len(s.userRoutes) > 0 {
		r.Group(func(r chi.Router) {
			r.Use(s.verifiedSession(), s.requireCSRF, s.apiRateLimit)
			for _, fn := range s.userRoutes {
				fn(r)
			}
		})
	}
	return r
}

// actorRoutes mounts login, refresh and logout for one actor class.
func (s *Server) actorRoutes(r chi.Router, actor authcore.ActorClass) {
	r.Post("/login", s.handleLogin(actor))
	r.Post("/refresh", s.handleRefresh(actor))
	r.With(s.anySession(), s.requireActor(actor), s.requireCSRF).Post("/logout", s.handleLogout)
}

func (s *Server) anySession() func(http.Handler) http.Handler {
	return middleware.AllowTOTPPending(s.m, s.writeError)
}

func (s *Server) verifiedSession() func(http.Handler) http.Handler {
	return middleware.RequireSession(s.m, s.writeError)
}

func (s *Server) requireActor(classes ...authcore.ActorClass) func(http.Handler) http.Handler {
	return middleware.RequireActor(s.writeError, classes...)
}
