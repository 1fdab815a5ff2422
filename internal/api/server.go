// Package api exposes the device verbs and registry over REST for
// operators: list devices, read variables, call functions, signal, and
// flash firmware.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/auth"
	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/session"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/internal/validation"
)

// Registry is the live-session lookup the handlers drive verbs through.
type Registry interface {
	Get(id models.DeviceID) (*session.Session, bool)
	List() []*session.Session
}

// Publisher raises cloud events toward devices.
type Publisher interface {
	Publish(event *models.Event) error
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	registry  Registry
	publisher Publisher
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, registry Registry, publisher Publisher) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		registry:  registry,
		publisher: publisher,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/devices", s.handleListDevices)
			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/describe", s.handleDescribe)
				r.Get("/variables/{name}", s.handleGetVariable)
				r.Post("/functions/{name}", s.handleCallFunction)
				r.Post("/signal", s.handleSignal)
				r.Post("/flash", s.handleFlash)
			})
			r.Post("/events", s.handleRaiseEvent)
		})
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)
	s.server.Addr = addr

	log.Info().Str("addr", addr).Msg("REST API listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware validates bearer tokens
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}
