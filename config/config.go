package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport names accepted by TRANSPORT.
const (
	TransportWebRTC = "webrtc"
	TransportGemini = "gemini"
)

// Config holds all bridge configuration
type Config struct {
	Port           int
	AllowedOrigins []string

	Transport       string // "webrtc" or "gemini"
	CredentialURL   string
	ToolServiceURL  string
	RealtimeBaseURL string
	RealtimeModel   string
	ICEServers      []string
	GeminiModel     string
	GeminiVoice     string

	TranscriptionModel string
	Instructions       string // empty selects the built-in prompt
	AdvertiseTools     bool

	WakePhrase   string
	WakeEnabled  bool
	WakeWindow   int
	WakeCooldown time.Duration

	CredentialTimeout time.Duration
	HandshakeTimeout  time.Duration
	ToolCallTimeout   time.Duration
	IdleTimeout       time.Duration
	MaxAudioBuffer    int // Maximum audio backlog in bytes per session

	RedisURL         string
	RedisPassword    string
	SessionRecordTTL time.Duration

	LogLevel  string
	LogFormat string // "console" or "json"
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:               8080,
		AllowedOrigins:     []string{"*"},
		Transport:          TransportWebRTC,
		CredentialURL:      "http://localhost:8084/session",
		ToolServiceURL:     "http://localhost:8084/mcp",
		RealtimeBaseURL:    "https://api.openai.com/v1/realtime",
		RealtimeModel:      "gpt-4o-realtime-preview-2024-12-17",
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		GeminiModel:        "models/gemini-2.5-flash-native-audio-preview-12-2025",
		GeminiVoice:        "Zephyr",
		TranscriptionModel: "whisper-1",
		WakePhrase:         "hey whisper",
		WakeEnabled:        true,
		WakeWindow:         256,
		WakeCooldown:       2 * time.Second,
		CredentialTimeout:  10 * time.Second,
		HandshakeTimeout:   20 * time.Second,
		ToolCallTimeout:    30 * time.Second,
		IdleTimeout:        10 * time.Minute,
		MaxAudioBuffer:     1 << 20, // 1MiB default
		RedisURL:           "localhost:6379",
		SessionRecordTTL:   30 * time.Minute,
		LogLevel:           "info",
		LogFormat:          "console",
	}

	var err error

	if config.Port, err = envInt("PORT", config.Port); err != nil {
		return nil, err
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", config.Port)
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins)
	}

	// Optional: TRANSPORT ("webrtc" or "gemini")
	if transport := os.Getenv("TRANSPORT"); transport != "" {
		switch transport {
		case TransportWebRTC, TransportGemini:
			config.Transport = transport
		default:
			return nil, fmt.Errorf("invalid TRANSPORT: must be 'webrtc' or 'gemini'")
		}
	}

	for _, u := range []struct {
		name string
		dst  *string
	}{
		{"CREDENTIAL_URL", &config.CredentialURL},
		{"TOOL_SERVICE_URL", &config.ToolServiceURL},
		{"REALTIME_BASE_URL", &config.RealtimeBaseURL},
	} {
		if v := os.Getenv(u.name); v != "" {
			parsed, perr := url.Parse(v)
			if perr != nil || parsed.Scheme == "" || parsed.Host == "" {
				return nil, fmt.Errorf("invalid %s: %q is not an absolute URL", u.name, v)
			}
			*u.dst = v
		}
	}

	setString("REALTIME_MODEL", &config.RealtimeModel)
	setString("GEMINI_MODEL", &config.GeminiModel)
	setString("GEMINI_VOICE", &config.GeminiVoice)
	setString("TRANSCRIPTION_MODEL", &config.TranscriptionModel)
	setString("INSTRUCTIONS", &config.Instructions)
	setString("WAKE_PHRASE", &config.WakePhrase)
	setString("REDIS_URL", &config.RedisURL)
	setString("REDIS_PASSWORD", &config.RedisPassword)
	setString("LOG_LEVEL", &config.LogLevel)

	// Optional: ICE_SERVERS (comma-separated STUN/TURN urls)
	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		config.ICEServers = splitList(servers)
	}

	if config.AdvertiseTools, err = envBool("ADVERTISE_TOOLS", config.AdvertiseTools); err != nil {
		return nil, err
	}
	if config.WakeEnabled, err = envBool("WAKE_ENABLED", config.WakeEnabled); err != nil {
		return nil, err
	}
	if config.WakeWindow, err = envInt("WAKE_WINDOW", config.WakeWindow); err != nil {
		return nil, err
	}
	if config.MaxAudioBuffer, err = envInt("MAX_AUDIO_BUFFER", config.MaxAudioBuffer); err != nil {
		return nil, err
	}
	if config.MaxAudioBuffer <= 0 {
		return nil, fmt.Errorf("invalid MAX_AUDIO_BUFFER: must be positive")
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"WAKE_COOLDOWN", &config.WakeCooldown},
		{"CREDENTIAL_TIMEOUT", &config.CredentialTimeout},
		{"HANDSHAKE_TIMEOUT", &config.HandshakeTimeout},
		{"TOOL_CALL_TIMEOUT", &config.ToolCallTimeout},
		{"IDLE_TIMEOUT", &config.IdleTimeout},
		{"SESSION_RECORD_TTL", &config.SessionRecordTTL},
	} {
		if *d.dst, err = envDuration(d.name, *d.dst); err != nil {
			return nil, err
		}
	}

	// Optional: LOG_FORMAT ("console" or "json")
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "console", "json":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'console' or 'json'")
		}
	}

	return config, nil
}

func setString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

// envDuration accepts Go durations ("90s", "10m"). Negative values are rejected.
func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", name)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
