package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	InvitationTTLSeconds int `env:"INVITATION_TTL_SECONDS" envDefault:"120"`
	DeviceStaleSeconds   int `env:"DEVICE_STALE_SECONDS" envDefault:"300"`
	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	ReportRetentionHours int `env:"REPORT_RETENTION_HOURS" envDefault:"168"`

	ICEServers     []string `env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"`
	TURNUsername   string   `env:"TURN_USERNAME"`
	TURNCredential string   `env:"TURN_CREDENTIAL"`

	MaxMessageBytes     int64    `env:"MAX_MESSAGE_BYTES" envDefault:"1048576"`
	AuthRateLimitPerMin int      `env:"AUTH_RATE_LIMIT_PER_MIN" envDefault:"10"`
	AllowedOrigins      []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func (c *Config) InvitationTTL() time.Duration {
	return time.Duration(c.InvitationTTLSeconds) * time.Second
}

func (c *Config) DeviceStaleAfter() time.Duration {
	return time.Duration(c.DeviceStaleSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) ReportRetention() time.Duration {
	return time.Duration(c.ReportRetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.InvitationTTLSeconds <= 0 {
		return fmt.Errorf("INVITATION_TTL_SECONDS must be positive")
	}
	if c.DeviceStaleSeconds <= 0 {
		return fmt.Errorf("DEVICE_STALE_SECONDS must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.MaxMessageBytes < MinMessageBytes {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be at least %d", MinMessageBytes)
	}
	if (c.TURNUsername == "") != (c.TURNCredential == "") {
		return fmt.Errorf("TURN_USERNAME and TURN_CREDENTIAL must be set together")
	}
	for _, url := range c.ICEServers {
		if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
			return fmt.Errorf("ICE_SERVERS entry %q must start with stun:, turn: or turns:", url)
		}
	}

	if isProduction {
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: session events stay local to this instance")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: websocket upgrades accept any origin")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
