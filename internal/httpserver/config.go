package httpserver

import (
	"fmt"
	"strings"
	"time"
)

// Config aggregates runtime settings for the ledger API.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	AdminSigningKey string
	AdminIssuer     string
	RequestTimeout  time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	if len(cfg.AdminSigningKey) == 0 {
		return fmt.Errorf("admin signing key is required")
	}
	if strings.TrimSpace(cfg.AdminIssuer) == "" {
		return fmt.Errorf("admin issuer is required")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than zero")
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
