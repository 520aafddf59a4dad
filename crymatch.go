// Package crymatch wires the matchmaking service: the shared state
// backend, the director and matchmaker roles, and the client-facing
// server, according to the configured run mode.
package crymatch

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/crymatch/crymatch/director"
	"github.com/crymatch/crymatch/matchmaker"
	"github.com/crymatch/crymatch/plugin"
	"github.com/crymatch/crymatch/server"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/telemetry"
)

// Service is one process of the matchmaking control plane.
type Service struct {
	cfg     Config
	st      state.State
	plugins *plugin.Registry

	dir *director.Director
	mm  *matchmaker.Matchmaker
	srv *server.Server

	serveErr chan error
}

// NewService builds a service from the given options. The default is a
// Standalone service on in-process state.
func NewService(opts ...ServiceOption) (*Service, error) {
	s := &Service{
		cfg:      DefaultConfig(),
		plugins:  plugin.NewRegistry(),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.st == nil {
		var err error
		s.st, err = newStateBackend(s.cfg)
		if err != nil {
			return nil, err
		}
	}

	if s.cfg.Mode != ModeMatchmaker {
		s.dir = director.New(s.st, director.Config{
			UpdateDelay:  s.cfg.DirectorDelay(),
			MaxDowntime:  s.cfg.MaxDowntime(),
			PoolCapacity: s.cfg.MatchmakerPoolCapacity,
		})
		s.srv = server.New(s.dir, s.st, s.cfg.ListenEndpoint,
			server.WithTLS(s.cfg.CertificatePath, s.cfg.PrivateKeyPath))
	}
	if s.cfg.Mode != ModeDirector {
		s.mm = matchmaker.New(s.st, matchmaker.Config{
			UpdateDelay:      s.cfg.MatchmakerDelay(),
			MaxDowntime:      s.cfg.MaxDowntime(),
			MinGatherTime:    s.cfg.MinGatherTime(),
			PoolCapacity:     s.cfg.MatchmakerPoolCapacity,
			MaxMatchFailures: s.cfg.MaxMatchFailures,
			Workers:          s.cfg.MatchmakerThreads,
		}, s.plugins)
	}
	return s, nil
}

func newStateBackend(cfg Config) (state.State, error) {
	if !cfg.UseRedis {
		return state.NewMemory(), nil
	}
	connection := cfg.RedisConfigurationOptions
	if strings.Contains(connection, "://") {
		options, err := redis.ParseURL(connection)
		if err != nil {
			return nil, eris.Wrap(err, "bad redis configuration options")
		}
		return state.NewRedisFromClient(redis.NewClient(options)), nil
	}
	return state.NewRedis(state.RedisOptions{Addr: connection}), nil
}

// Director exposes the director role; nil in Matchmaker mode.
func (s *Service) Director() *director.Director {
	return s.dir
}

// Matchmaker exposes the matchmaker role; nil in Director mode.
func (s *Service) Matchmaker() *matchmaker.Matchmaker {
	return s.mm
}

// Start brings up the configured roles and, when a director is present,
// the client API listener.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Str("mode", string(s.cfg.Mode)).Msg("Starting CryMatch service")

	if s.cfg.StatsdAddress != "" {
		if err := telemetry.Init(s.cfg.StatsdAddress, string(s.cfg.Mode)); err != nil {
			return eris.Wrap(err, "unable to init statsd")
		}
	} else {
		log.Warn().Msg("statsd is disabled")
	}

	if s.dir != nil {
		if err := s.dir.Start(ctx); err != nil {
			return err
		}
	}
	if s.mm != nil {
		if err := s.mm.Start(ctx); err != nil {
			if s.dir != nil {
				s.dir.Dispose()
			}
			return err
		}
	}
	if s.srv != nil {
		go func() {
			s.serveErr <- s.srv.Serve()
		}()
	}
	return nil
}

// Dispose stops the listener and both roles, in that order, so in-flight
// client calls fail fast while the roles drain cleanly.
func (s *Service) Dispose() {
	if s.srv != nil {
		if err := s.srv.Shutdown(); err != nil {
			log.Error().Err(err).Msg("failed to shut down server")
		}
	}
	if s.mm != nil {
		s.mm.Dispose()
	}
	if s.dir != nil {
		s.dir.Dispose()
	}
	if err := s.st.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close state store")
	}
}
