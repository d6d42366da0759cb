package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parking-anpr/internal/app"
	"parking-anpr/internal/config"
	api "parking-anpr/internal/http"
	"parking-anpr/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	issueToken := flag.String("issue-token", "", "Print an admin API token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of a token printed with -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)

	if *issueToken != "" {
		token, err := api.IssueToken(cfg.Auth.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	log.Info().
		Str("db_driver", cfg.Database.Driver).
		Bool("mqtt", cfg.MQTT.Enabled).
		Int("samples", cfg.Consensus.Samples).
		Bool("gate_exit", cfg.Access.GateExit).
		Msg("starting parking-anpr")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("parking-anpr stopped")
}
