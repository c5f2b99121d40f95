package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts. There is no write timeout: websocket and SSE
// responses are long-lived.
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Default rate limiting for non-pairing endpoints
const DefaultRateLimitPerMin = 60

// MinMessageBytes is the smallest accepted websocket frame limit. A file
// chunk of the default size must fit after base64 encoding.
const MinMessageBytes = 128 * 1024

// MaxRequestBodyBytes caps JSON request bodies on the REST endpoints.
const MaxRequestBodyBytes = 64 * 1024
