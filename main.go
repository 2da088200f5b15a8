package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/whisper-bridge/config"
	"github.com/room4-2/whisper-bridge/credential"
	"github.com/room4-2/whisper-bridge/functions"
	"github.com/room4-2/whisper-bridge/gemini"
	"github.com/room4-2/whisper-bridge/metrics"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/server"
	"github.com/room4-2/whisper-bridge/session"
	"github.com/room4-2/whisper-bridge/store"
	"github.com/room4-2/whisper-bridge/toolcall"
	"github.com/room4-2/whisper-bridge/transport"
	"github.com/room4-2/whisper-bridge/transport/webrtc"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := newLogger(cfg)
	log.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics("")

	registry := store.NewRegistry(ctx, store.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		TTL:      cfg.SessionRecordTTL,
		Logger:   logger,
		Metrics:  m,
	})
	defer registry.Close()

	tools := toolcall.NewClient(cfg.ToolServiceURL, cfg.ToolCallTimeout)
	catalog := loadCatalog(ctx, tools, logger)

	instructions := cfg.Instructions
	if instructions == "" {
		instructions = session.DefaultInstructions
	}

	dialer, err := newDialer(cfg, instructions, catalog, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transport")
	}

	var advertised []realtime.Tool
	if cfg.AdvertiseTools {
		advertised = catalog.RealtimeTools()
	}

	hub := server.NewHub(logger)
	controller := session.NewController(session.Config{
		Issuer:             credential.NewHTTPIssuer(cfg.CredentialURL, cfg.CredentialTimeout),
		Dialer:             dialer,
		Executor:           tools,
		Sink:               hub,
		Recorder:           registry,
		Metrics:            m,
		Logger:             logger,
		TranscriptionModel: cfg.TranscriptionModel,
		Instructions:       instructions,
		Tools:              advertised,
		WakePhrase:         cfg.WakePhrase,
		WakeWindow:         cfg.WakeWindow,
		WakeEnabled:        cfg.WakeEnabled,
		WakeCooldown:       cfg.WakeCooldown,
		CredentialTimeout:  cfg.CredentialTimeout,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		ToolCallTimeout:    cfg.ToolCallTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		MaxAudioBuffer:     cfg.MaxAudioBuffer,
	})

	controllerDone := make(chan error, 1)
	go func() { controllerDone <- controller.Run(ctx) }()

	srv := server.NewServerWebsocket(cfg, controller, hub, m, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Received shutdown signal...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server error")
	}

	cancel()
	if err := <-controllerDone; err != nil {
		logger.Error().Err(err).Msg("Session controller error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// loadCatalog asks the tool service for its tools. The bridge still runs
// without them; tool calls are then answered by the service at call time.
func loadCatalog(ctx context.Context, tools *toolcall.Client, logger zerolog.Logger) *functions.Catalog {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	descs, err := tools.ListTools(listCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("⚠️ Tool service not reachable, starting without a tool catalog")
		return functions.NewCatalog(nil)
	}
	catalog := functions.NewCatalog(descs)
	logger.Info().Int("tools", catalog.Len()).Strs("names", catalog.Names()).Msg("🔧 Tool catalog loaded")
	return catalog
}

func newDialer(cfg *config.Config, instructions string, catalog *functions.Catalog, logger zerolog.Logger) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportGemini:
		gcfg := gemini.Config{
			Model:        cfg.GeminiModel,
			Voice:        cfg.GeminiVoice,
			Instructions: instructions,
		}
		if cfg.AdvertiseTools {
			gcfg.Tools = catalog.GeminiTools()
		}
		return &gemini.Dialer{Config: gcfg, Logger: logger}, nil

	default:
		signaler, err := webrtc.NewHTTPSignaler(cfg.RealtimeBaseURL, cfg.RealtimeModel, cfg.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
		var ice []pion.ICEServer
		if len(cfg.ICEServers) > 0 {
			ice = []pion.ICEServer{{URLs: cfg.ICEServers}}
		}
		return &webrtc.Dialer{Signaler: signaler, ICEServers: ice, Logger: logger}, nil
	}
}
