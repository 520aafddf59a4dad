// Package telemetry emits the service's statsd metrics: director tick
// timing, assignment and submission counters, and matchmaker round
// durations. Every series is tagged with the run mode so one dashboard
// can split director and matchmaker processes.
package telemetry

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// client defaults to a no-op so the emit helpers are always safe to call,
// metrics address configured or not.
var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

// Init points the global client at a statsd agent. The mode becomes a
// crymatch_mode tag on every metric; pass the service's configured run
// mode (Standalone, Matchmaker, Director).
func Init(address string, mode string) error {
	if address == "" {
		return eris.New("statsd address must not be empty")
	}
	newClient, err := ddstatsd.New(address,
		ddstatsd.WithNamespace("crymatch"),
		ddstatsd.WithTags([]string{"crymatch_mode:" + mode}),
	)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	log.Info().Str("address", address).Str("mode", mode).Msg("statsd metrics enabled")
	return nil
}

func EmitDuration(start time.Time, name string) {
	if err := Client().Timing(name, time.Since(start), nil, 1); err != nil {
		log.Warn().Msgf("failed to emit timing stat: %v", err)
	}
}

func EmitCount(name string, value int64) {
	if err := Client().Count(name, value, nil, 1); err != nil {
		log.Warn().Msgf("failed to emit count stat: %v", err)
	}
}
