package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"filerelay/services/agents/fileagent"
)

const serviceName = "FilerelayAgent"

func main() {
	envFile := flag.String("env-file", ".env", "optional file of AGENT_* settings")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := fileagent.LoadConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	svc, err := fileagent.NewService(cfg, nil, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize agent")
	}

	if err := fileagent.RunService(ctx, serviceName, svc); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent exited")
	}
}
