// Package server wires the terminal registry and REPL runner onto an HTTP
// router: health probes, the WebSocket PTY transport, and the SSE/REST REPL
// transport.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/inknote/termhub/internal/config"
	"github.com/inknote/termhub/internal/server/handlers"
	"github.com/inknote/termhub/internal/server/middleware"
	"github.com/inknote/termhub/internal/terminal"
)

type Server struct {
	cfg        *config.Server
	log        zerolog.Logger
	registry   *terminal.Registry
	runner     *terminal.ReplRunner
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Server, log zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: terminal.NewRegistry(log, config.LoadPolicy),
		runner:   terminal.NewReplRunner(log, config.LoadPolicy),
	}
	if err := s.registry.Start(); err != nil {
		return nil, err
	}
	if err := s.runner.Start(); err != nil {
		return nil, err
	}
	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready)

	term := &handlers.Terminal{Registry: s.registry, Log: s.log}
	repl := &handlers.Repl{Runner: s.runner, Log: s.log}

	// No request timeout here: both transports are long-lived streams.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireAccess(config.LoadPolicy))

		r.Get("/terminal/ws", term.ServeWS)
		r.Get("/terminal/ws/{sessionId}", term.ServeWS)

		r.Route("/repl/sessions", func(r chi.Router) {
			r.Post("/", repl.Create)
			r.Delete("/{sessionId}", repl.Destroy)
			r.Get("/{sessionId}/stream", repl.Stream)
			r.Post("/{sessionId}/exec", repl.Exec)
			r.Post("/{sessionId}/interrupt", repl.Interrupt)
			r.Post("/{sessionId}/resize", repl.Resize)
			r.Get("/{sessionId}/health", repl.Health)
		})
	})

	s.router = r
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)

	s.log.Info().Msg("destroying terminal sessions")
	s.registry.Shutdown()
	s.runner.Shutdown()
	return err
}
