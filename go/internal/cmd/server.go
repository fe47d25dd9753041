package main

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/labkiosk/pairsync/go/internal/sync/server"
)

func setupServer(config *Config, syncServer *server.Server) *http.Server {
	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: config.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	handler := c.Handler(syncServer.Handler())

	return &http.Server{
		Addr:    config.Server.Addr,
		Handler: handler,
	}
}
