// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultServerPort   = "8080"
	DefaultMaxTimeoutMs = 27000
	DefaultCallbackURL  = "http://localhost:8080/aggregate/callback"
	DefaultResourceURL  = "http://localhost:8080"
	DefaultSessionTTL   = 300 * time.Second
	DefaultICEServer    = "stun:stun.l.google.com:19302"
)

// Config holds the full gateway configuration.
type Config struct {
	// ServerPort is the HTTP listen port (SERVER_PORT).
	ServerPort string

	// MaxTimeout caps the client-requested callback deadline
	// (AGGREGATOR_TIMEOUT_MAX_MS). Requests above the cap are clamped.
	MaxTimeout time.Duration

	// CallbackURL is this gateway's own callback endpoint, handed to
	// backends so they know where to post results (AGGREGATOR_CALLBACK_URL).
	CallbackURL string

	// ResourceURLs is the fixed list of backend base URLs (RESOURCE_URLS,
	// comma-separated). The dispatch fan-out width equals its length.
	ResourceURLs []string

	// SessionTTL bounds the lifetime of a signaling session
	// (WEBRTC_SESSION_TTL_SECONDS).
	SessionTTL time.Duration

	// ICEServers is opaque ICE configuration echoed to signaling clients
	// (WEBRTC_ICE_SERVERS, comma-separated).
	ICEServers []string
}

// Load builds a Config from the environment, applying defaults for
// anything unset. It returns an error only for values that are present
// but unparseable.
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", DefaultServerPort),
		MaxTimeout:   DefaultMaxTimeoutMs * time.Millisecond,
		CallbackURL:  getEnv("AGGREGATOR_CALLBACK_URL", DefaultCallbackURL),
		ResourceURLs: splitList(getEnv("RESOURCE_URLS", DefaultResourceURL)),
		SessionTTL:   DefaultSessionTTL,
		ICEServers:   splitList(getEnv("WEBRTC_ICE_SERVERS", DefaultICEServer)),
	}

	if v := os.Getenv("AGGREGATOR_TIMEOUT_MAX_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid AGGREGATOR_TIMEOUT_MAX_MS %q", v)
		}
		cfg.MaxTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("WEBRTC_SESSION_TTL_SECONDS"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid WEBRTC_SESSION_TTL_SECONDS %q", v)
		}
		cfg.SessionTTL = time.Duration(secs) * time.Second
	}

	if len(cfg.ResourceURLs) == 0 {
		cfg.ResourceURLs = []string{DefaultResourceURL}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
