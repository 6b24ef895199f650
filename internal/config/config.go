// Package config loads RingSocket-Go's runtime configuration from
// environment variables (with an optional local .env file), using a
// caarlos0/env + joho/godotenv pattern.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime tunable, plus the ambient settings
// (logging, metrics, resource guard) a deployable binary needs.
type Config struct {
	Addr string `env:"RS_ADDR" envDefault:":8080"`

	CertFile string `env:"RS_TLS_CERT_FILE"`
	KeyFile  string `env:"RS_TLS_KEY_FILE"`

	// Thread counts.
	WorkerCount int `env:"RS_WORKER_COUNT" envDefault:"0"` // 0 -> NumCPU
	AppCount    int `env:"RS_APP_COUNT" envDefault:"1"`

	// Ring sizing.
	OutboundRingBufSize int     `env:"RS_OUTBOUND_RING_BUF_SIZE" envDefault:"65536"`
	InboundRingBufSize  int     `env:"RS_INBOUND_RING_BUF_SIZE" envDefault:"65536"`
	ReallocMultiplier   float64 `env:"RS_REALLOC_MULTIPLIER" envDefault:"1.5"`
	UpdateQueueSize     int     `env:"RS_UPDATE_QUEUE_SIZE" envDefault:"16"`

	// WS framing limits.
	MaxWSMsgSize  int `env:"RS_MAX_WS_MSG_SIZE" envDefault:"16777216"`
	CacheLineSize int `env:"RS_CACHE_LINE_SIZE" envDefault:"64"`

	IdleTimeout time.Duration `env:"RS_IDLE_TIMEOUT" envDefault:"60s"`

	// Resource guard (supplemented ambient concern). Zero means derive
	// the cap from the container's cgroup memory limit at startup
	// (guard.DetectMaxConnections); set explicitly to override.
	MaxConnections     int     `env:"RS_MAX_CONNECTIONS" envDefault:"0"`
	CPURejectThreshold float64 `env:"RS_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	MaxBroadcastRate   int     `env:"RS_MAX_BROADCAST_RATE" envDefault:"1000"`

	MetricsAddr string `env:"RS_METRICS_ADDR" envDefault:":9090"`

	NATSUrl     string `env:"RS_NATS_URL"`
	NATSSubject string `env:"RS_NATS_SUBJECT" envDefault:"ringsocket.broadcast"`

	LogLevel  string `env:"RS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RS_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables, applying
// defaults and validating the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ringsocket: parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ringsocket: invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system assumes hold,
// e.g. the ring's realloc multiplier must actually grow the buffer.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RS_ADDR is required")
	}
	if c.AppCount < 1 {
		return fmt.Errorf("RS_APP_COUNT must be >= 1, got %d", c.AppCount)
	}
	if c.ReallocMultiplier <= 1.0 {
		return fmt.Errorf("RS_REALLOC_MULTIPLIER must be > 1.0, got %f", c.ReallocMultiplier)
	}
	if c.OutboundRingBufSize <= 0 || c.InboundRingBufSize <= 0 {
		return fmt.Errorf("ring buffer sizes must be > 0")
	}
	if c.MaxWSMsgSize <= 0 {
		return fmt.Errorf("RS_MAX_WS_MSG_SIZE must be > 0")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("RS_TLS_CERT_FILE and RS_TLS_KEY_FILE must be set together")
	}
	return nil
}

// TLSEnabled reports whether this config carries a certificate pair.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
