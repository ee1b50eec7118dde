package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Presence struct {
		StalenessTimeout time.Duration `yaml:"staleness_timeout"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
	} `yaml:"presence"`

	Client struct {
		RegistryURL          string        `yaml:"registry_url"`
		SignalURL            string        `yaml:"signal_url"`
		DisplayName          string        `yaml:"display_name"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		DiscoveryInterval    time.Duration `yaml:"discovery_interval"`
		SessionOpenTimeout   time.Duration `yaml:"session_open_timeout"`
		RequestTimeout       time.Duration `yaml:"request_timeout"`
		ReregisterOnNotFound bool          `yaml:"reregister_on_not_found"`
		VoiceEnabled         bool          `yaml:"voice_enabled"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}

	// Presence
	if c.Presence.StalenessTimeout <= 0 {
		return fmt.Errorf("presence.staleness_timeout must be > 0")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be > 0")
	}
	if c.Presence.StalenessTimeout < 2*c.Client.HeartbeatInterval {
		return fmt.Errorf("presence.staleness_timeout must be at least 2x client.heartbeat_interval to tolerate missed heartbeats")
	}

	// Client
	if c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be > 0")
	}
	if c.Client.DiscoveryInterval <= 0 {
		return fmt.Errorf("client.discovery_interval must be > 0")
	}
	if c.Client.SessionOpenTimeout <= 0 {
		return fmt.Errorf("client.session_open_timeout must be > 0")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if c.Client.RequestTimeout >= c.Client.HeartbeatInterval {
		return fmt.Errorf("client.request_timeout must be shorter than client.heartbeat_interval so in-flight requests cannot stack up")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	// Staleness is 3x the heartbeat interval: up to two missed heartbeats
	// never evict a live peer.
	cfg.Presence.StalenessTimeout = 30 * time.Second
	cfg.Presence.SweepInterval = 10 * time.Second

	cfg.Client.RegistryURL = "http://localhost:8080"
	cfg.Client.SignalURL = "ws://localhost:8081/ws"
	cfg.Client.DisplayName = "anonymous"
	cfg.Client.HeartbeatInterval = 10 * time.Second
	cfg.Client.DiscoveryInterval = 5 * time.Second
	cfg.Client.SessionOpenTimeout = 10 * time.Second
	cfg.Client.RequestTimeout = 5 * time.Second
	cfg.Client.ReregisterOnNotFound = true
	cfg.Client.VoiceEnabled = false

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "huddle"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HUDDLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("HUDDLE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("HUDDLE_REGISTRY_URL"); url != "" {
		c.Client.RegistryURL = url
	}
	if url := os.Getenv("HUDDLE_SIGNAL_URL"); url != "" {
		c.Client.SignalURL = url
	}
	if name := os.Getenv("HUDDLE_DISPLAY_NAME"); name != "" {
		c.Client.DisplayName = name
	}
	if level := os.Getenv("HUDDLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
