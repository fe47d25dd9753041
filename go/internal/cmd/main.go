// pairsyncd runs the in-memory session server so kiosks and companion
// devices can pair during development and integration testing.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/internal/sync/server"
)

var CLI struct {
	Config string `optional:"" name:"config" help:"Path to a YAML config file"`
	Debug  bool   `optional:"" help:"Enable debug logging"`
}

func main() {
	kong.Parse(&CLI)

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if CLI.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	config, err := loadConfig(CLI.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	syncServer := server.New(config.serverConfig(), clockwork.NewRealClock())
	httpServer := setupServer(config, syncServer)

	go func() {
		log.Info().Str("addr", config.Server.Addr).Msg("session server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Interface("stats", syncServer.Stats()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
