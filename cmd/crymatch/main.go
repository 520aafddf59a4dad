package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crymatch/crymatch"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file")
	pretty := flag.Bool("pretty", false, "log with the console writer instead of JSON")
	flag.Parse()

	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	service, err := crymatch.NewService(crymatch.WithConfigPath(*configPath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := service.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start service")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	service.Dispose()
}
