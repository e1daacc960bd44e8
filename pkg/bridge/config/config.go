// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime reasoning service.
	OpenAIAPIKey    string
	RealtimeModel   string
	RealtimeBaseURL string

	// Supervisor escalation pass.
	SupervisorModel   string
	EscalationTimeout time.Duration
	TavilyAPIKey      string
	TavilyBaseURL     string
	BreadcrumbPath    string

	// Conversation bookkeeping.
	HistoryWindow int

	// Per-turn and transport timeouts.
	TurnTimeout    time.Duration
	ToolTimeout    time.Duration
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration

	// Transcript persistence.
	SQLitePath string

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("BRIDGE_ADDR", ":8081"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeModel:       envOr("BRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeBaseURL:     envOr("BRIDGE_REALTIME_BASE_URL", "wss://api.openai.com/v1/realtime"),
		SupervisorModel:     envOr("BRIDGE_SUPERVISOR_MODEL", "gpt-4.1"),
		EscalationTimeout:   envDurationOr("BRIDGE_ESCALATION_TIMEOUT", 45*time.Second),
		TavilyAPIKey:        strings.TrimSpace(os.Getenv("TAVILY_API_KEY")),
		TavilyBaseURL:       envOr("BRIDGE_TAVILY_BASE_URL", "https://api.tavily.com"),
		BreadcrumbPath:      envOr("BRIDGE_BREADCRUMB_PATH", ""),
		HistoryWindow:       envIntOr("BRIDGE_HISTORY_WINDOW", 20),
		TurnTimeout:         envDurationOr("BRIDGE_TURN_TIMEOUT", 60*time.Second),
		ToolTimeout:         envDurationOr("BRIDGE_TOOL_TIMEOUT", 15*time.Second),
		WSPingInterval:      envDurationOr("BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		SQLitePath:          envOr("BRIDGE_SQLITE_PATH", "data/conversations.db"),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_MODEL must be non-empty")
	}
	if !strings.HasPrefix(cfg.RealtimeBaseURL, "ws://") && !strings.HasPrefix(cfg.RealtimeBaseURL, "wss://") {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_BASE_URL must be a ws:// or wss:// URL")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_HISTORY_WINDOW must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_TURN_TIMEOUT must be > 0")
	}
	if cfg.EscalationTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_ESCALATION_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		return Config{}, fmt.Errorf("BRIDGE_SQLITE_PATH must be non-empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
