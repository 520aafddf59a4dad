package crymatch

import (
	"os"
	"runtime"
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Mode selects which roles a service instance runs.
type Mode string

const (
	// ModeStandalone runs the director and a matchmaker in one process.
	ModeStandalone Mode = "Standalone"
	// ModeMatchmaker runs only a matchmaker; requires Redis state.
	ModeMatchmaker Mode = "Matchmaker"
	// ModeDirector runs only the director; requires Redis state.
	ModeDirector Mode = "Director"
)

// Config is loaded from an optional JSON file, then overlaid with
// environment variables, then validated. Delays and downtimes are in
// seconds.
type Config struct {
	ListenEndpoint            string  `json:"ListenEndpoint"            config:"CRYMATCH_LISTEN_ENDPOINT"`
	CertificatePath           string  `json:"CertificatePath"           config:"CRYMATCH_CERTIFICATE_PATH"`
	PrivateKeyPath            string  `json:"PrivateKeyPath"            config:"CRYMATCH_PRIVATE_KEY_PATH"`
	Mode                      Mode    `json:"Mode"                      config:"CRYMATCH_MODE"`
	MatchmakerThreads         int     `json:"MatchmakerThreads"         config:"CRYMATCH_MATCHMAKER_THREADS"`
	UseRedis                  bool    `json:"UseRedis"                  config:"CRYMATCH_USE_REDIS"`
	RedisConfigurationOptions string  `json:"RedisConfigurationOptions" config:"CRYMATCH_REDIS"`
	MaxDowntimeBeforeOffline  float64 `json:"MaxDowntimeBeforeOffline"  config:"CRYMATCH_MAX_DOWNTIME"`
	MatchmakerUpdateDelay     float64 `json:"MatchmakerUpdateDelay"     config:"CRYMATCH_MATCHMAKER_UPDATE_DELAY"`
	DirectorUpdateDelay       float64 `json:"DirectorUpdateDelay"       config:"CRYMATCH_DIRECTOR_UPDATE_DELAY"`
	MatchmakerMinGatherTime   float64 `json:"MatchmakerMinGatherTime"   config:"CRYMATCH_MIN_GATHER_TIME"`
	MatchmakerPoolCapacity    int     `json:"MatchmakerPoolCapacity"    config:"CRYMATCH_POOL_CAPACITY"`
	MaxMatchFailures          int     `json:"MaxMatchFailures"          config:"CRYMATCH_MAX_MATCH_FAILURES"`
	StatsdAddress             string  `json:"StatsdAddress"             config:"CRYMATCH_STATSD_ADDRESS"`
}

func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads > 2 {
		threads = 2
	}
	return Config{
		ListenEndpoint:           "0.0.0.0:5000",
		Mode:                     ModeStandalone,
		MatchmakerThreads:        threads,
		MaxDowntimeBeforeOffline: 10,
		MatchmakerUpdateDelay:    1,
		DirectorUpdateDelay:      1,
		MatchmakerMinGatherTime:  2,
		MatchmakerPoolCapacity:   2000,
		MaxMatchFailures:         10,
	}
}

// LoadConfig reads the JSON file at path (optional, "" skips it), applies
// the environment overlay, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		bz, err := os.ReadFile(path)
		if err != nil {
			return cfg, eris.Wrap(err, "failed to read config file")
		}
		if err := json.Unmarshal(bz, &cfg); err != nil {
			return cfg, eris.Wrap(err, "failed to parse config file")
		}
	}
	if err := jlconfig.FromEnv().To(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to apply environment config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate normalizes out-of-range values where the behavior is defined
// and rejects the rest.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStandalone, ModeMatchmaker, ModeDirector:
	case "":
		c.Mode = ModeStandalone
	default:
		return eris.Errorf("unknown mode %q", c.Mode)
	}
	if c.Mode != ModeStandalone {
		// Distributed roles can only meet through Redis.
		c.UseRedis = true
	}
	if c.MatchmakerThreads < 1 || c.MatchmakerThreads > 128 {
		c.MatchmakerThreads = 1
	}
	if c.MatchmakerUpdateDelay < 0.01 {
		return eris.New("MatchmakerUpdateDelay must be at least 0.01 seconds")
	}
	if c.DirectorUpdateDelay < 0.01 {
		return eris.New("DirectorUpdateDelay must be at least 0.01 seconds")
	}
	if c.MaxDowntimeBeforeOffline < 0.1 {
		return eris.New("MaxDowntimeBeforeOffline must be at least 0.1 seconds")
	}
	if c.MaxDowntimeBeforeOffline <= c.MatchmakerUpdateDelay ||
		c.MaxDowntimeBeforeOffline <= c.DirectorUpdateDelay {
		return eris.New("MaxDowntimeBeforeOffline must exceed both update delays")
	}
	if c.MatchmakerMinGatherTime < 0 {
		return eris.New("MatchmakerMinGatherTime must not be negative")
	}
	if c.MatchmakerPoolCapacity < 10 {
		return eris.New("MatchmakerPoolCapacity must be at least 10")
	}
	if c.MaxMatchFailures <= 0 {
		return eris.New("MaxMatchFailures must be positive")
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *Config) MaxDowntime() time.Duration {
	return seconds(c.MaxDowntimeBeforeOffline)
}

func (c *Config) MatchmakerDelay() time.Duration {
	return seconds(c.MatchmakerUpdateDelay)
}

func (c *Config) DirectorDelay() time.Duration {
	return seconds(c.DirectorUpdateDelay)
}

func (c *Config) MinGatherTime() time.Duration {
	return seconds(c.MatchmakerMinGatherTime)
}
