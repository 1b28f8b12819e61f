package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"genloop/pkg/validation"

	"gopkg.in/yaml.v2"
)

// RelayServer is one entry of the static relay list.
type RelayServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signaling struct {
		URL       string        `yaml:"url"`
		Transport string        `yaml:"transport"` // http | websocket
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"signaling"`

	WebRTC struct {
		UseRelay     bool          `yaml:"use_relay"`
		RelayServers []RelayServer `yaml:"relay_servers"`
		// GatherTimeout bounds ICE gathering; 0 waits indefinitely.
		GatherTimeout time.Duration `yaml:"gather_timeout"`
		PortRange     struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		IncludeLoopback bool          `yaml:"include_loopback"`
		ChannelLabel    string        `yaml:"channel_label"`
		CloseGrace      time.Duration `yaml:"close_grace"`
	} `yaml:"webrtc"`

	Pipeline struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"pipeline"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"heartbeat"`

	Prompt struct {
		Seed   string `yaml:"seed"`
		Height int    `yaml:"height"`
		Width  int    `yaml:"width"`
	} `yaml:"prompt"`

	Display struct {
		Path string `yaml:"path"`
	} `yaml:"display"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Backend struct {
		Address         string        `yaml:"address"`
		GenerationDelay time.Duration `yaml:"generation_delay"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		RateLimiting struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"rate_limiting"`
	} `yaml:"backend"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signaling
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if err := validation.ValidateURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	scheme, _, _ := strings.Cut(c.Signaling.URL, "://")
	switch c.Signaling.Transport {
	case "http":
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("signaling.url must be http(s) for the http transport, got %q", scheme)
		}
	case "websocket":
		if scheme != "ws" && scheme != "wss" {
			return fmt.Errorf("signaling.url must be ws(s) for the websocket transport, got %q", scheme)
		}
	default:
		return fmt.Errorf("signaling.transport must be http or websocket, got %q", c.Signaling.Transport)
	}
	if c.Signaling.Timeout <= 0 {
		return fmt.Errorf("signaling.timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.UseRelay && len(c.WebRTC.RelayServers) == 0 {
		return fmt.Errorf("webrtc.relay_servers must not be empty when use_relay=true")
	}
	for i, s := range c.WebRTC.RelayServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.relay_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.GatherTimeout < 0 {
		return fmt.Errorf("webrtc.gather_timeout must be >= 0")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.ChannelLabel == "" {
		return fmt.Errorf("webrtc.channel_label must not be empty")
	}
	if c.WebRTC.CloseGrace < 0 {
		return fmt.Errorf("webrtc.close_grace must be >= 0")
	}

	// Pipeline
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be > 0")
	}
	if c.Pipeline.RetryInterval <= 0 {
		return fmt.Errorf("pipeline.retry_interval must be > 0")
	}

	// Heartbeat
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}

	// Prompt
	if c.Prompt.Height <= 0 || c.Prompt.Width <= 0 {
		return fmt.Errorf("prompt.height and prompt.width must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Backend
	if c.Backend.Address == "" {
		return fmt.Errorf("backend.address must not be empty")
	}
	if c.Backend.GenerationDelay < 0 {
		return fmt.Errorf("backend.generation_delay must be >= 0")
	}
	if c.Backend.IdleTimeout <= 0 {
		return fmt.Errorf("backend.idle_timeout must be > 0")
	}
	if c.Backend.ShutdownTimeout <= 0 {
		return fmt.Errorf("backend.shutdown_timeout must be > 0")
	}
	if c.Backend.RateLimiting.Enabled {
		if c.Backend.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("backend.rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Backend.RateLimiting.Burst <= 0 {
			return fmt.Errorf("backend.rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.Backend.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("backend.rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultRelayServers is the static relay list used when use_relay is on.
func DefaultRelayServers() []RelayServer {
	return []RelayServer{
		{URLs: []string{"stun:stun.relay.metered.ca:80"}},
		{URLs: []string{"turn:a.relay.metered.ca:80"}},
		{URLs: []string{"turn:a.relay.metered.ca:80?transport=tcp"}},
		{URLs: []string{"turn:a.relay.metered.ca:443"}},
		{URLs: []string{"turn:a.relay.metered.ca:443?transport=tcp"}},
	}
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.URL = "http://localhost:8080/offer"
	cfg.Signaling.Transport = "http"
	cfg.Signaling.Timeout = 30 * time.Second

	cfg.WebRTC.UseRelay = false
	cfg.WebRTC.RelayServers = DefaultRelayServers()
	cfg.WebRTC.GatherTimeout = 0
	cfg.WebRTC.ChannelLabel = "chat"
	cfg.WebRTC.CloseGrace = 500 * time.Millisecond

	cfg.Pipeline.PollInterval = 100 * time.Millisecond
	cfg.Pipeline.RetryInterval = 1000 * time.Millisecond

	cfg.Heartbeat.Interval = 1000 * time.Millisecond

	cfg.Prompt.Seed = "42"
	cfg.Prompt.Height = 512
	cfg.Prompt.Width = 512

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.Address = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "genloop"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Backend.Address = ":8080"
	cfg.Backend.GenerationDelay = 300 * time.Millisecond
	cfg.Backend.IdleTimeout = 30 * time.Second
	cfg.Backend.ShutdownTimeout = 10 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.Backend.RateLimiting.Enabled = false
	cfg.Backend.RateLimiting.RequestsPerSecond = 5
	cfg.Backend.RateLimiting.Burst = 10
	cfg.Backend.RateLimiting.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("GENLOOP_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if transport := os.Getenv("GENLOOP_SIGNALING_TRANSPORT"); transport != "" {
		c.Signaling.Transport = strings.ToLower(transport)
	}
	if v := os.Getenv("GENLOOP_USE_RELAY"); v != "" {
		if useRelay, err := strconv.ParseBool(v); err == nil {
			c.WebRTC.UseRelay = useRelay
		}
	}
	if level := os.Getenv("GENLOOP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("GENLOOP_BACKEND_ADDRESS"); addr != "" {
		c.Backend.Address = addr
	}

	// Relay credentials are provisioned out of band.
	username := os.Getenv("GENLOOP_TURN_USERNAME")
	credential := os.Getenv("GENLOOP_TURN_CREDENTIAL")
	if username == "" && credential == "" {
		return
	}
	for i := range c.WebRTC.RelayServers {
		if !isTURN(c.WebRTC.RelayServers[i].URLs) {
			continue
		}
		c.WebRTC.RelayServers[i].Username = username
		c.WebRTC.RelayServers[i].Credential = credential
	}
}

func isTURN(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
