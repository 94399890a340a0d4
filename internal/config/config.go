package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/security"
)

// Config represents the main configuration
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Logs      LogsConfig       `yaml:"logs"`
	Pilots    PilotsConfig     `yaml:"pilots"`
	Resolver  ResolverConfig   `yaml:"resolver"`
	Alerts    AlertsConfig     `yaml:"alerts"`
	Map       MapConfig        `yaml:"map"`
	Outputs   OutputsConfig    `yaml:"outputs"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
	API       *APIConfig       `yaml:"api,omitempty"`
	Tracing   *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling *ProfilingConfig `yaml:"profiling,omitempty"`
	Shutdown  *ShutdownConfig  `yaml:"shutdown,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// LogsConfig defines where chat logs are read from
type LogsConfig struct {
	Directory      string        `yaml:"directory"`
	Encoding       string        `yaml:"encoding,omitempty"` // utf-16le or utf-8
	Channels       []string      `yaml:"channels,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"`
	DirectoryRetry time.Duration `yaml:"directory_retry,omitempty"`
	MaxReadBytes   int64         `yaml:"max_read_bytes,omitempty"`
}

// PilotsConfig defines which of the user's characters are active
type PilotsConfig struct {
	// Enabled lists character names whose logs are used; empty means all
	Enabled []string `yaml:"enabled,omitempty"`
}

// ResolverConfig defines the reputation services
type ResolverConfig struct {
	KOSURL         string                `yaml:"kos_url,omitempty"`
	ESSURL         string                `yaml:"ess_url,omitempty"`
	RBLURL         string                `yaml:"rbl_url,omitempty"`
	ESIURL         string                `yaml:"esi_url,omitempty"`
	ImageURL       string                `yaml:"image_url,omitempty"`
	Timeout        time.Duration         `yaml:"timeout,omitempty"`
	RateLimit      float64               `yaml:"rate_limit,omitempty"`
	CacheTTL       time.Duration         `yaml:"cache_ttl,omitempty"`
	Avatars        bool                  `yaml:"avatars"`
	PortraitSize   int                   `yaml:"portrait_size,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// AlertsConfig defines alert suppression and sounds
type AlertsConfig struct {
	SystemWindow time.Duration `yaml:"system_window,omitempty"`
	SoundWindow  time.Duration `yaml:"sound_window,omitempty"`
	MaxJumps     int           `yaml:"max_jumps,omitempty"`
	Sounds       SoundsConfig  `yaml:"sounds,omitempty"`
}

// SoundsConfig maps alert kinds to sound files
type SoundsConfig struct {
	Hostile string `yaml:"hostile,omitempty"`
	High    string `yaml:"high,omitempty"`
	Medium  string `yaml:"medium,omitempty"`
	Low     string `yaml:"low,omitempty"`
}

// MapConfig defines topology sources and viewport animation
type MapConfig struct {
	RegionSources     []string      `yaml:"region_sources"`
	BridgeSource      string        `yaml:"bridge_source,omitempty"`
	AnimationDuration time.Duration `yaml:"animation_duration,omitempty"`
	FrameInterval     time.Duration `yaml:"frame_interval,omitempty"`
	Rotation          float64       `yaml:"rotation,omitempty"`
	FollowIntel       *bool         `yaml:"follow_intel,omitempty"`
	DefaultX          float64       `yaml:"default_x,omitempty"`
	DefaultY          float64       `yaml:"default_y,omitempty"`
}

// OutputsConfig defines where envelopes are published
type OutputsConfig struct {
	Definitions     []OutputDefinition `yaml:"definitions"`
	FailureStrategy string             `yaml:"failure_strategy,omitempty"` // continue or stop
	Parallel        bool               `yaml:"parallel,omitempty"`
	Retry           *RetryConfig       `yaml:"retry,omitempty"`
	DeadLetter      *DeadLetterConfig  `yaml:"dead_letter,omitempty"`
}

// OutputDefinition defines a single output
type OutputDefinition struct {
	Name          string                     `yaml:"name"`
	Type          string                     `yaml:"type"` // stdout, kafka, elasticsearch, websocket
	Events        []string                   `yaml:"events,omitempty"`
	Kafka         *KafkaOutputConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchOutputConfig `yaml:"elasticsearch,omitempty"`
	Websocket     *WebsocketOutputConfig     `yaml:"websocket,omitempty"`
}

// KafkaOutputConfig holds Kafka-specific configuration
type KafkaOutputConfig struct {
	Brokers          []string   `yaml:"brokers"`
	Topic            string     `yaml:"topic"`
	RequiredAcks     int16      `yaml:"required_acks,omitempty"`
	CompressionCodec string     `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int        `yaml:"max_message_bytes,omitempty"`
	SASLEnabled      bool       `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string     `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string     `yaml:"sasl_username,omitempty"`
	SASLPassword     string     `yaml:"sasl_password,omitempty"` // env:NAME and file:PATH are resolved
	EnableTLS        bool       `yaml:"enable_tls,omitempty"`
	TLS              *TLSConfig `yaml:"tls,omitempty"`
	ClientID         string     `yaml:"client_id,omitempty"`
	Version          string     `yaml:"version,omitempty"`
}

// ElasticsearchOutputConfig holds Elasticsearch-specific configuration
type ElasticsearchOutputConfig struct {
	Addresses     []string      `yaml:"addresses"`
	Index         string        `yaml:"index"`
	IndexRotation string        `yaml:"index_rotation,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	CloudID       string        `yaml:"cloud_id,omitempty"`
	APIKey        string        `yaml:"api_key,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// WebsocketOutputConfig holds stream hub configuration
type WebsocketOutputConfig struct {
	History int `yaml:"history,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// DeadLetterConfig holds settings for envelopes no output could deliver
type DeadLetterConfig struct {
	Dir     string        `yaml:"dir"`
	MaxSize int64         `yaml:"max_size,omitempty"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// APIConfig holds the API and websocket server configuration
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	TLS            *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig holds certificate settings for a listener or a client
type TLSConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig holds runtime profiling settings. The pprof endpoints are
// served on the metrics address.
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CPUProfile         string `yaml:"cpu_profile,omitempty"`
	MemProfile         string `yaml:"mem_profile,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// ShutdownConfig holds graceful shutdown configuration
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultEncoding          = "utf-16le"
	DefaultPollInterval      = time.Second
	DefaultDirectoryRetry    = 5 * time.Second
	DefaultMaxReadBytes      = 1 << 20
	DefaultKOSURL            = "https://kos.cva-eve.org/api/"
	DefaultESIURL            = "https://esi.evetech.net/latest"
	DefaultImageURL          = "https://images.evetech.net"
	DefaultResolverTimeout   = 10 * time.Second
	DefaultRateLimit         = 5
	DefaultCacheTTL          = 10 * time.Minute
	DefaultSystemWindow      = 30 * time.Second
	DefaultSoundWindow       = 5 * time.Second
	DefaultMaxJumps          = 5
	DefaultAnimationDuration = 4 * time.Second
	DefaultFrameInterval     = 33 * time.Millisecond
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMetricsAddress    = ":9090"
	DefaultMetricsPath       = "/metrics"
	DefaultAPIAddress        = ":8080"
	DefaultAPITimeout        = 10 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Logs.Encoding == "" {
		c.Logs.Encoding = DefaultEncoding
	}
	if c.Logs.PollInterval == 0 {
		c.Logs.PollInterval = DefaultPollInterval
	}
	if c.Logs.DirectoryRetry == 0 {
		c.Logs.DirectoryRetry = DefaultDirectoryRetry
	}
	if c.Logs.MaxReadBytes == 0 {
		c.Logs.MaxReadBytes = DefaultMaxReadBytes
	}

	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = DefaultResolverTimeout
	}
	if c.Resolver.RateLimit == 0 {
		c.Resolver.RateLimit = DefaultRateLimit
	}
	if c.Resolver.CacheTTL == 0 {
		c.Resolver.CacheTTL = DefaultCacheTTL
	}
	if c.Resolver.Avatars && c.Resolver.ESIURL == "" {
		c.Resolver.ESIURL = DefaultESIURL
	}
	if c.Resolver.Avatars && c.Resolver.ImageURL == "" {
		c.Resolver.ImageURL = DefaultImageURL
	}
	if c.Resolver.CircuitBreaker == nil {
		c.Resolver.CircuitBreaker = &CircuitBreakerConfig{
			MaxRequests:      1,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}
	}

	if c.Alerts.SystemWindow == 0 {
		c.Alerts.SystemWindow = DefaultSystemWindow
	}
	if c.Alerts.SoundWindow == 0 {
		c.Alerts.SoundWindow = DefaultSoundWindow
	}
	if c.Alerts.MaxJumps == 0 {
		c.Alerts.MaxJumps = DefaultMaxJumps
	}

	if c.Map.AnimationDuration == 0 {
		c.Map.AnimationDuration = DefaultAnimationDuration
	}
	if c.Map.FrameInterval == 0 {
		c.Map.FrameInterval = DefaultFrameInterval
	}
	if c.Map.FollowIntel == nil {
		follow := true
		c.Map.FollowIntel = &follow
	}

	if len(c.Outputs.Definitions) == 0 {
		c.Outputs.Definitions = []OutputDefinition{{Name: "stdout", Type: "stdout"}}
	}
	if c.Outputs.FailureStrategy == "" {
		c.Outputs.FailureStrategy = "continue"
	}
	for i := range c.Outputs.Definitions {
		if c.Outputs.Definitions[i].Name == "" {
			c.Outputs.Definitions[i].Name = c.Outputs.Definitions[i].Type
		}
	}

	if c.Metrics != nil && c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.API != nil && c.API.Enabled {
		if c.API.Address == "" {
			c.API.Address = DefaultAPIAddress
		}
		if c.API.Timeout == 0 {
			c.API.Timeout = DefaultAPITimeout
		}
	}
	if c.Shutdown == nil {
		c.Shutdown = &ShutdownConfig{}
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Logs.Directory == "" {
		return fmt.Errorf("logs.directory must be configured")
	}
	if c.Logs.Encoding != "utf-16le" && c.Logs.Encoding != "utf-8" {
		return fmt.Errorf("invalid logs.encoding: %s", c.Logs.Encoding)
	}
	if c.Logs.PollInterval < 0 || c.Logs.DirectoryRetry < 0 || c.Logs.MaxReadBytes < 0 {
		return fmt.Errorf("logs intervals and limits must not be negative")
	}

	if c.Resolver.KOSURL == "" && c.Resolver.RBLURL == "" && c.Resolver.ESSURL == "" {
		return fmt.Errorf("at least one of resolver.kos_url, resolver.rbl_url, resolver.ess_url must be configured")
	}
	if c.Resolver.RateLimit < 0 {
		return fmt.Errorf("resolver.rate_limit must not be negative")
	}

	if c.Alerts.SystemWindow < 0 || c.Alerts.SoundWindow < 0 {
		return fmt.Errorf("alert windows must not be negative")
	}
	if c.Alerts.MaxJumps < 0 {
		return fmt.Errorf("alerts.max_jumps must not be negative")
	}

	if len(c.Map.RegionSources) == 0 {
		return fmt.Errorf("map.region_sources must list at least one region")
	}
	if c.Map.AnimationDuration < 0 {
		return fmt.Errorf("map.animation_duration must not be negative")
	}

	if c.Outputs.FailureStrategy != "continue" && c.Outputs.FailureStrategy != "stop" {
		return fmt.Errorf("invalid outputs.failure_strategy: %s", c.Outputs.FailureStrategy)
	}
	names := make(map[string]bool)
	for i, def := range c.Outputs.Definitions {
		if names[def.Name] {
			return fmt.Errorf("output %d: duplicate name %q", i, def.Name)
		}
		names[def.Name] = true
		if err := def.validate(); err != nil {
			return fmt.Errorf("output %q: %w", def.Name, err)
		}
		if def.Type == "websocket" && (c.API == nil || !c.API.Enabled) {
			return fmt.Errorf("output %q: websocket output requires api.enabled", def.Name)
		}
	}

	if dl := c.Outputs.DeadLetter; dl != nil && (dl.Dir == "" || dl.MaxSize < 0 || dl.MaxAge < 0) {
		return fmt.Errorf("outputs.dead_letter needs a dir and non-negative limits")
	}

	if c.Metrics != nil && c.Metrics.Enabled && !security.ValidateHostPort(c.Metrics.Address) {
		return fmt.Errorf("invalid metrics.address: %s", c.Metrics.Address)
	}
	if c.API != nil && c.API.Enabled {
		if !security.ValidateHostPort(c.API.Address) {
			return fmt.Errorf("invalid api.address: %s", c.API.Address)
		}
		if tls := c.API.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
			return fmt.Errorf("api.tls needs cert_file and key_file")
		}
	}

	if c.Profiling != nil && c.Profiling.Enabled && (c.Metrics == nil || !c.Metrics.Enabled) {
		return fmt.Errorf("profiling requires metrics.enabled")
	}

	if c.Tracing != nil && c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func (d OutputDefinition) validate() error {
	validEvents := map[string]bool{
		"message": true, "alert": true, "pilot": true, "position": true, "status": true,
	}
	for _, e := range d.Events {
		if !validEvents[e] {
			return fmt.Errorf("unknown event type %q", e)
		}
	}

	switch d.Type {
	case "stdout", "websocket":
		return nil
	case "kafka":
		if d.Kafka == nil || len(d.Kafka.Brokers) == 0 || d.Kafka.Topic == "" {
			return fmt.Errorf("kafka output needs brokers and topic")
		}
		for _, broker := range d.Kafka.Brokers {
			if !security.ValidateHostPort(broker) {
				return fmt.Errorf("invalid kafka broker address: %s", broker)
			}
		}
	case "elasticsearch":
		if d.Elasticsearch == nil || (len(d.Elasticsearch.Addresses) == 0 && d.Elasticsearch.CloudID == "") {
			return fmt.Errorf("elasticsearch output needs addresses or cloud_id")
		}
	default:
		return fmt.Errorf("unknown output type %q", d.Type)
	}
	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultChatlogDirectory is where the game client writes chat logs
func DefaultChatlogDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("Documents", "EVE", "logs", "Chatlogs")
	}
	return filepath.Join(home, "Documents", "EVE", "logs", "Chatlogs")
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Logs: LogsConfig{
			Directory: DefaultChatlogDirectory(),
		},
		Resolver: ResolverConfig{
			KOSURL:  DefaultKOSURL,
			Avatars: true,
		},
		Map: MapConfig{
			RegionSources: []string{"regions/delve.json"},
		},
	}
	cfg.applyDefaults()
	return cfg
}
