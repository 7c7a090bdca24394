package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/studiobloom/bench2bench/go/internal/race/config"
	"github.com/studiobloom/bench2bench/go/internal/race/gateway"
	"github.com/studiobloom/bench2bench/go/internal/race/publisher"
	"github.com/studiobloom/bench2bench/go/internal/race/session"
)

var (
	flagConfig     string
	flagPort       string
	flagCORSOrigin []string
)

var rootCmd = &cobra.Command{
	Use:   "bench2bench",
	Short: "Head-to-head GPU benchmark race server",
	Long: `bench2bench pairs two browsers in a room, starts a seeded GPU race for both,
relays live metrics and WebRTC signalling between them, and announces the results.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the race websocket server",
	Long: `Run the race websocket server.

Configuration is read from defaults, then the YAML file given by --config or
CONFIG_FILE, then environment variables, then flags.

Examples:
  bench2bench serve
  bench2bench serve --port 8080 --cors-origin https://bench.example
  NATS_URL=nats://localhost:4222 bench2bench serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = os.Getenv("CONFIG_FILE")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = flagPort
		}
		if cmd.Flags().Changed("cors-origin") {
			cfg.CORSOrigins = flagCORSOrigin
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().StringVarP(&flagPort, "port", "p", "", "Listen port (default 3001)")
	serveCmd.Flags().StringSliceVar(&flagCORSOrigin, "cors-origin", nil, "Allowed browser origin, repeatable")
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("bench2bench failed")
	}
}

func setupLogging(cfg config.Config) {
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func serve(cfg config.Config) error {
	setupLogging(cfg)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.AllowedOrigins = cfg.CORSOrigins
	gatewayConfig.ConnectionConfig.PingInterval = cfg.WebSocket.PingInterval
	gatewayConfig.ConnectionConfig.ReadTimeout = cfg.WebSocket.ReadTimeout
	gatewayConfig.ConnectionConfig.WriteTimeout = cfg.WebSocket.WriteTimeout
	gatewayConfig.ConnectionConfig.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	gatewayConfig.ConnectionConfig.SendBufferSize = cfg.WebSocket.SendBufferSize

	var natsPublisher *publisher.NATSPublisher
	if cfg.NATS.URL != "" {
		var err error
		natsPublisher, err = publisher.NewNATSPublisher(publisher.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			QueueSize:     cfg.NATS.QueueSize,
		})
		if err != nil {
			return fmt.Errorf("failed to start lifecycle publisher: %w", err)
		}
		gatewayConfig.Publisher = natsPublisher
	} else {
		gatewayConfig.Publisher = session.NopPublisher{}
		log.Info().Msg("NATS_URL not set, lifecycle events disabled")
	}

	service := gateway.NewService(gatewayConfig)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h2c.NewHandler(service.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Strs("cors_origins", cfg.CORSOrigins).
			Msg("race server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by server.Shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("race gateway shutdown failed")
	}
	if natsPublisher != nil {
		if err := natsPublisher.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("lifecycle publisher shutdown failed")
		}
	}

	log.Info().Msg("race server shutdown complete")
	return nil
}
