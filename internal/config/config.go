// Package config loads the gateway's configuration from environment
// variables (and an optional .env file), validates it, and exposes a single
// immutable snapshot for the rest of the process to consume.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// TrackedContract is one parsed IB_STREAM_TRACKED_CONTRACTS entry. TickTypes
// holds plain strings rather than tick.Type, so this package does not import
// the tick package; tick.ParseType performs the real validation when
// contracts are materialized into subscriptions.
type TrackedContract struct {
	ContractID  uint32
	SymbolHint  string
	TickTypes   []string
	BufferHours int
}

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Upstream broker gateway
	Host            string `env:"IB_HOST" envDefault:"127.0.0.1"`
	Ports           string `env:"IB_PORTS" envDefault:"4002,4001"`
	ClientID        int    `env:"IB_CLIENT_ID" envDefault:"101"`
	ConnectTimeout  time.Duration `env:"IB_CONNECT_TIMEOUT" envDefault:"10s"`
	ReconnectDelay  time.Duration `env:"IB_RECONNECT_DELAY" envDefault:"5s"`
	ReconnectTries  int           `env:"IB_RECONNECT_ATTEMPTS" envDefault:"10"`

	// HTTP/WS front end
	StreamBindHost string `env:"IB_STREAM_BIND_HOST" envDefault:"0.0.0.0"`
	StreamPort     int    `env:"IB_STREAM_PORT" envDefault:"8001"`

	// Subscription/pipeline limits
	MaxStreams           int `env:"IB_STREAM_MAX_STREAMS" envDefault:"50"`
	MaxStreamsPerWSConn  int `env:"IB_STREAM_MAX_STREAMS_PER_WS_CONNECTION" envDefault:"20"`
	BufferSize           int `env:"IB_STREAM_BUFFER_SIZE" envDefault:"100"`

	// Append store
	StoragePath           string `env:"IB_STREAM_STORAGE_PATH" envDefault:"./storage"`
	EnableStorage         bool   `env:"IB_STREAM_ENABLE_STORAGE" envDefault:"true"`
	EnableJSON            bool   `env:"IB_STREAM_ENABLE_JSON" envDefault:"true"`
	EnableProtobuf        bool   `env:"IB_STREAM_ENABLE_PROTOBUF" envDefault:"true"`
	EnableV2Storage       bool   `env:"IB_STREAM_ENABLE_V2_STORAGE" envDefault:"false"`
	EnableV3Storage       bool   `env:"IB_STREAM_ENABLE_V3_STORAGE" envDefault:"true"`
	StorageQueueSize      int    `env:"IB_STREAM_STORAGE_QUEUE_SIZE" envDefault:"1000"`
	StorageFlushInterval  time.Duration `env:"IB_STREAM_STORAGE_FLUSH_INTERVAL" envDefault:"250ms"`
	StorageMaxFileSize    int64         `env:"IB_STREAM_STORAGE_MAX_FILE_SIZE" envDefault:"134217728"` // 128MB

	// Background tracker
	EnableBackgroundStreaming bool          `env:"IB_STREAM_ENABLE_BACKGROUND_STREAMING" envDefault:"true"`
	TrackedContracts          string        `env:"IB_STREAM_TRACKED_CONTRACTS" envDefault:""`
	BackgroundReconnectDelay  time.Duration `env:"IB_STREAM_BACKGROUND_RECONNECT_DELAY" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"IB_STREAM_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"IB_STREAM_LOG_FORMAT" envDefault:"json"`

	// Safety
	ClockSkewTolerance time.Duration `env:"IB_STREAM_CLOCK_SKEW_TOLERANCE" envDefault:"5s"`

	// Resource guard (§6 domain stack: admission control under load)
	CPURejectThreshold     float64       `env:"IB_STREAM_CPU_REJECT_THRESHOLD" envDefault:"90"`
	MemoryRejectPercent    float64       `env:"IB_STREAM_MEMORY_REJECT_THRESHOLD" envDefault:"90"`
	ResourceSampleInterval time.Duration `env:"IB_STREAM_RESOURCE_SAMPLE_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: real environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or out-of-range
// values that would otherwise surface as confusing failures at startup.
func (c *Config) Validate() error {
	if len(c.PortList()) == 0 {
		return fmt.Errorf("IB_PORTS must list at least one port")
	}
	if c.ClientID < 1 || c.ClientID > 32767 {
		return fmt.Errorf("IB_CLIENT_ID must be 1..32767, got %d", c.ClientID)
	}
	if c.MaxStreams < 1 {
		return fmt.Errorf("IB_STREAM_MAX_STREAMS must be > 0, got %d", c.MaxStreams)
	}
	if c.MaxStreamsPerWSConn < 1 {
		return fmt.Errorf("IB_STREAM_MAX_STREAMS_PER_WS_CONNECTION must be > 0, got %d", c.MaxStreamsPerWSConn)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("IB_STREAM_BUFFER_SIZE must be > 0, got %d", c.BufferSize)
	}
	if c.EnableStorage && c.StoragePath == "" {
		return fmt.Errorf("IB_STREAM_STORAGE_PATH is required when storage is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("IB_STREAM_LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("IB_STREAM_LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}

	if _, err := c.TrackedContractList(); err != nil {
		return fmt.Errorf("IB_STREAM_TRACKED_CONTRACTS invalid: %w", err)
	}

	return nil
}

// PortList parses the comma-separated IB_PORTS value into the ordered list
// of ports the upstream session tries during connect.
func (c *Config) PortList() []int {
	var out []int
	for _, p := range strings.Split(c.Ports, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// TrackedContractList parses IB_STREAM_TRACKED_CONTRACTS.
//
// Format: "cid:symbol:tt1;tt2:buffer_hours", repeated entries separated by
// commas, e.g. "711280073:MNQ:bid_ask;last:24,756733:ES:last:12".
func (c *Config) TrackedContractList() ([]TrackedContract, error) {
	raw := strings.TrimSpace(c.TrackedContracts)
	if raw == "" {
		return nil, nil
	}

	var out []TrackedContract
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("tracked contract %q: expected 4 colon-separated fields, got %d", entry, len(parts))
		}
		cid, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("tracked contract %q: bad contract id: %w", entry, err)
		}
		tts := strings.Split(parts[2], ";")
		for i := range tts {
			tts[i] = strings.TrimSpace(tts[i])
		}
		bufHours, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("tracked contract %q: bad buffer_hours: %w", entry, err)
		}
		out = append(out, TrackedContract{
			ContractID:  uint32(cid),
			SymbolHint:  parts[1],
			TickTypes:   tts,
			BufferHours: bufHours,
		})
	}
	return out, nil
}

// Print writes a human-readable rendering of the configuration to stdout,
// used once at startup.
func (c *Config) Print() {
	fmt.Println("=== ib-stream configuration ===")
	fmt.Printf("Upstream:        %s ports=%v client_id=%d\n", c.Host, c.PortList(), c.ClientID)
	fmt.Printf("HTTP/WS bind:    %s:%d\n", c.StreamBindHost, c.StreamPort)
	fmt.Printf("Stream limits:   max_streams=%d max_per_ws=%d buffer=%d\n", c.MaxStreams, c.MaxStreamsPerWSConn, c.BufferSize)
	fmt.Printf("Storage:         enabled=%t path=%s json=%t protobuf=%t v2=%t v3=%t\n",
		c.EnableStorage, c.StoragePath, c.EnableJSON, c.EnableProtobuf, c.EnableV2Storage, c.EnableV3Storage)
	fmt.Printf("Background:      enabled=%t contracts=%q\n", c.EnableBackgroundStreaming, c.TrackedContracts)
	fmt.Printf("Logging:         level=%s format=%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("================================")
}

// LogConfig emits the main configuration fields through structured logging,
// for Loki/observability pipelines that the Print() banner doesn't reach.
// The per-format storage toggles, tracked contracts and log format are
// printed by Print only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Ints("ports", c.PortList()).
		Int("client_id", c.ClientID).
		Str("stream_bind", c.StreamBindHost).
		Int("stream_port", c.StreamPort).
		Int("max_streams", c.MaxStreams).
		Int("max_streams_per_ws", c.MaxStreamsPerWSConn).
		Int("buffer_size", c.BufferSize).
		Bool("storage_enabled", c.EnableStorage).
		Str("storage_path", c.StoragePath).
		Bool("background_streaming", c.EnableBackgroundStreaming).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
