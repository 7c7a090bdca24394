package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/session"
)

// StatusMessage is the body of the root liveness response
const StatusMessage = "GPU Race Server Running"

// Service is the race gateway: websocket transport, session coordinator and HTTP surface
type Service struct {
	connectionManager *ConnectionManager
	coordinator       *session.Coordinator
	router            *Router
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	config            Config
}

// Config holds configuration for the race gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	Clock            clockwork.Clock
	Publisher        session.Publisher
}

// DefaultConfig returns default configuration for the race gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		Clock:            clockwork.NewRealClock(),
		Publisher:        session.NopPublisher{},
	}
}

// NewService creates a new race gateway service
func NewService(config Config, opts ...session.Option) *Service {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Publisher == nil {
		config.Publisher = session.NopPublisher{}
	}

	connectionManager := NewConnectionManager(config.ConnectionConfig, config.Clock)

	coordinatorOpts := append([]session.Option{
		session.WithClock(config.Clock),
		session.WithPublisher(config.Publisher),
	}, opts...)
	coordinator := session.NewCoordinator(connectionManager, coordinatorOpts...)

	router := NewRouter(coordinator)

	s := &Service{
		connectionManager: connectionManager,
		coordinator:       coordinator,
		router:            router,
		stateHandler:      NewStateHandler(coordinator),
		config:            config,
	}
	s.wsHandler = NewWebSocketHandler(connectionManager, router, s.GetStats)
	return s
}

// Handler returns the complete HTTP handler: routes wrapped in CORS and panic recovery
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return RecoverMiddleware(CORSMiddleware(s.config.ConnectionConfig.AllowedOrigins, mux))
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": StatusMessage})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.GetStats())
	})

	log.Info().Msg("race gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.coordinator.Stats()
	return map[string]interface{}{
		"service":           "race_gateway",
		"status":            "running",
		"total_connections": s.connectionManager.ConnectionCount(),
		"rooms":             stats.Rooms,
		"paired_rooms":      stats.PairedRooms,
		"seated":            stats.Seated,
		"races_started":     stats.RacesStarted,
	}
}

// Coordinator exposes the session coordinator
func (s *Service) Coordinator() *session.Coordinator {
	return s.coordinator
}

// Shutdown drains every websocket connection
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("race gateway service shutting down")
	if err := s.connectionManager.Shutdown(ctx); err != nil {
		return err
	}
	log.Info().Msg("race gateway service stopped")
	return nil
}
