package config

import (
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"PORT", "ALLOWED_ORIGINS", "TRANSPORT", "CREDENTIAL_URL", "TOOL_SERVICE_URL",
	"REALTIME_BASE_URL", "REALTIME_MODEL", "ICE_SERVERS", "GEMINI_MODEL", "GEMINI_VOICE",
	"TRANSCRIPTION_MODEL", "INSTRUCTIONS", "ADVERTISE_TOOLS", "WAKE_PHRASE", "WAKE_ENABLED",
	"WAKE_WINDOW", "WAKE_COOLDOWN", "CREDENTIAL_TIMEOUT", "HANDSHAKE_TIMEOUT",
	"TOOL_CALL_TIMEOUT", "IDLE_TIMEOUT", "MAX_AUDIO_BUFFER", "REDIS_URL", "REDIS_PASSWORD",
	"SESSION_RECORD_TTL", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range allVars {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Transport != TransportWebRTC {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.WakePhrase != "hey whisper" || !cfg.WakeEnabled || cfg.WakeWindow != 256 {
		t.Fatalf("unexpected wake defaults %+v", cfg)
	}
	if cfg.HandshakeTimeout != 20*time.Second || cfg.IdleTimeout != 10*time.Minute {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.MaxAudioBuffer != 1<<20 || cfg.LogFormat != "console" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("TRANSPORT", "gemini")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("CREDENTIAL_URL", "https://auth.internal/session")
	t.Setenv("ADVERTISE_TOOLS", "true")
	t.Setenv("WAKE_ENABLED", "false")
	t.Setenv("WAKE_COOLDOWN", "500ms")
	t.Setenv("IDLE_TIMEOUT", "0")
	t.Setenv("ICE_SERVERS", "stun:a.test:3478,turn:b.test:3478")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Transport != TransportGemini {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "http://a.test|http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.CredentialURL != "https://auth.internal/session" || !cfg.AdvertiseTools || cfg.WakeEnabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.WakeCooldown != 500*time.Millisecond || cfg.IdleTimeout != 0 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if len(cfg.ICEServers) != 2 || cfg.LogFormat != "json" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"PORT":             "eighty",
		"TRANSPORT":        "sip",
		"CREDENTIAL_URL":   "/relative",
		"ADVERTISE_TOOLS":  "maybe",
		"WAKE_WINDOW":      "wide",
		"WAKE_COOLDOWN":    "2",
		"IDLE_TIMEOUT":     "-1m",
		"MAX_AUDIO_BUFFER": "0",
		"LOG_FORMAT":       "xml",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(name, value)
			if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("expected error naming %s, got %v", name, err)
			}
		})
	}
}
