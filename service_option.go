package crymatch

import (
	"github.com/crymatch/crymatch/plugin"
	"github.com/crymatch/crymatch/state"
)

type ServiceOption func(*Service) error

// WithConfig replaces the default configuration. The config is validated
// here so construction fails early.
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithConfigPath loads the configuration from a JSON file.
func WithConfigPath(path string) ServiceOption {
	return func(s *Service) error {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithPlugin registers a matchmaking plugin.
func WithPlugin(p plugin.Plugin) ServiceOption {
	return func(s *Service) error {
		s.plugins.Register(p)
		return nil
	}
}

// WithState injects a state backend, overriding the one the config would
// build. Used by tests and embedders that share a backend.
func WithState(st state.State) ServiceOption {
	return func(s *Service) error {
		s.st = st
		return nil
	}
}
