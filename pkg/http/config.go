package http

import (
	"time"

	"callaudit/pkg/ratelimit"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// EnableMetrics exposes the Prometheus registry at /metrics
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout" default:"60s"`

	// MaxUploadBytes caps transcript and archive uploads
	MaxUploadBytes int64 `json:"max_upload_bytes" env:"HTTP_MAX_UPLOAD_BYTES" default:"33554432"`

	// TLS configuration
	TLSEnabled  bool   `json:"tls_enabled" env:"HTTP_TLS_ENABLED" default:"false"`
	TLSCertFile string `json:"tls_cert_file" env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile  string `json:"tls_key_file" env:"HTTP_TLS_KEY_FILE"`

	// RateLimit throttles API clients; nil or disabled leaves requests alone
	RateLimit *ratelimit.Config `json:"rate_limit"`
}

// NewDefaultConfig returns a new default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Port:           8080,
		EnableMetrics:  true,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxUploadBytes: 32 << 20,
	}
}
