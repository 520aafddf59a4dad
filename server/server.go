// Package server exposes the client-facing surface: ticket submission and
// removal, pool configuration, and the long-lived match stream. Transport
// is HTTP/JSON with a websocket upgrade for the match stream; TLS is
// enabled when both certificate paths resolve.
package server

import (
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crymatch/crymatch/director"
	"github.com/crymatch/crymatch/state"
)

// Status values returned by the ticket endpoints.
const (
	StatusOK            = "OK"
	StatusBadRequest    = "BAD_REQUEST"
	StatusNotFound      = "NOT_FOUND"
	StatusInternalError = "INTERNAL_ERROR"
)

type Server struct {
	app    *fiber.App
	dir    *director.Director
	st     state.State
	logger zerolog.Logger

	listenEndpoint  string
	certificatePath string
	privateKeyPath  string

	running atomic.Bool
}

type Option func(*Server)

func WithTLS(certificatePath, privateKeyPath string) Option {
	return func(s *Server) {
		s.certificatePath = certificatePath
		s.privateKeyPath = privateKeyPath
	}
}

func New(dir *director.Director, st state.State, listenEndpoint string, opts ...Option) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			JSONEncoder:           json.Marshal,
			JSONDecoder:           json.Unmarshal,
			DisableStartupMessage: true,
		}),
		dir:            dir,
		st:             st,
		logger:         log.With().Str("component", "server").Logger(),
		listenEndpoint: listenEndpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.app.Get("/health", s.handleHealth)
	s.app.Post("/tickets", s.handleTicketSubmit)
	s.app.Delete("/tickets", s.handleTicketRemove)
	// The default pool has an empty id, so it gets its own routes.
	s.app.Get("/pools/configuration", s.handleGetPoolConfiguration)
	s.app.Put("/pools/configuration", s.handleSetPoolConfiguration)
	s.app.Get("/pools/:id/configuration", s.handleGetPoolConfiguration)
	s.app.Put("/pools/:id/configuration", s.handleSetPoolConfiguration)
	s.registerMatchStream()
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *Server) Serve() error {
	s.running.Store(true)
	defer s.running.Store(false)
	s.logger.Info().Str("endpoint", s.listenEndpoint).Msg("Serving client API")
	if s.certificatePath != "" && s.privateKeyPath != "" {
		return eris.Wrap(s.app.ListenTLS(s.listenEndpoint, s.certificatePath, s.privateKeyPath), "")
	}
	return eris.Wrap(s.app.Listen(s.listenEndpoint), "")
}

func (s *Server) Shutdown() error {
	if !s.running.Load() {
		return nil
	}
	return eris.Wrap(s.app.Shutdown(), "")
}

func (s *Server) handleHealth(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"ok": true})
}
