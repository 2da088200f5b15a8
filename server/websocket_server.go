package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/config"
	"github.com/room4-2/whisper-bridge/metrics"
	"github.com/room4-2/whisper-bridge/session"
)

// Controller is the session surface the UI drives.
type Controller interface {
	Start() error
	Stop() error
	Enqueue(text string) (session.EnqueueResult, error)
	HandleTranscript(text string, isFinal bool) error
	ClearTranscript() error
	SetWakeWordEnabled(enabled bool) error
	SetMicrophonePermission(allowed bool) error
	PushAudio(chunk []byte) bool
	Status() session.Status
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	controller Controller
	config     *config.Config
	log        zerolog.Logger
}

func NewServerWebsocket(cfg *config.Config, ctrl Controller, hub *Hub, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		hub:        hub,
		controller: ctrl,
		config:     cfg,
		log:        logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Info().Int("port", s.config.Port).Msg("🚀 WebSocket server starting")
	s.log.Info().Msgf("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown disconnects UI clients and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("🛑 Shutting down server...")
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.New().String()
	c := newClient(conn, s.controller, s.log.With().Str("client", id[:8]).Logger())
	s.hub.register(c)
	c.queueMessage(statusMessage(s.controller.Status()))
	s.log.Info().Str("client", id[:8]).Int("clients", s.hub.ClientCount()).Msg("✅ UI client connected")

	go c.writePump()
	c.readPump()

	s.hub.unregister(c)
	s.log.Info().Str("client", id[:8]).Msg("🔌 UI client disconnected")
}

type healthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(healthResponse{
		Status:  "ok",
		State:   s.controller.Status().State.String(),
		Clients: s.hub.ClientCount(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
