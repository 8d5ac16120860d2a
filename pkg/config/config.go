package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the session agent's status API.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		APIToken        string        `yaml:"api_token"`
	} `yaml:"server"`

	TokenServer struct {
		Address         string        `yaml:"address"`
		RelayURL        string        `yaml:"relay_url"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"token_server"`

	Session struct {
		TokenEndpoint      string        `yaml:"token_endpoint"`
		TokenTimeout       time.Duration `yaml:"token_timeout"`
		ParticipantName    string        `yaml:"participant_name"`
		ReconnectAttempts  int           `yaml:"reconnect_attempts"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
		PublishMaxAttempts int           `yaml:"publish_max_attempts"`
		PublishBackoffBase time.Duration `yaml:"publish_backoff_base"`
		QualityWindow      time.Duration `yaml:"quality_window"`
		QualityLongWindow  time.Duration `yaml:"quality_long_window"`
		LongSessionAfter   time.Duration `yaml:"long_session_after"`
		AutoplayAllowed    bool          `yaml:"autoplay_allowed"`
		VirtualBackground  bool          `yaml:"virtual_background"`
		CaptureFrameRate   int           `yaml:"capture_frame_rate"`
		CapturePermission  bool          `yaml:"capture_permission"`
	} `yaml:"session"`

	Relay struct {
		ICEServers     []ICEServer   `yaml:"ice_servers"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		ResumeAttempts int           `yaml:"resume_attempts"`
		ResumeDelay    time.Duration `yaml:"resume_delay"`
		PortRange      struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"relay"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		NoticeChannel string `yaml:"notice_channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		Issuer         string        `yaml:"issuer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read/write timeouts must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.TokenServer.Address == "" {
		return fmt.Errorf("token_server.address must not be empty")
	}
	if c.TokenServer.RelayURL == "" {
		return fmt.Errorf("token_server.relay_url must not be empty")
	}
	if c.TokenServer.ShutdownTimeout <= 0 {
		return fmt.Errorf("token_server.shutdown_timeout must be > 0")
	}

	if c.Session.TokenEndpoint == "" {
		return fmt.Errorf("session.token_endpoint must not be empty")
	}
	if c.Session.TokenTimeout <= 0 {
		return fmt.Errorf("session.token_timeout must be > 0")
	}
	if c.Session.ReconnectAttempts < 0 {
		return fmt.Errorf("session.reconnect_attempts must be >= 0")
	}
	if c.Session.ReconnectDelay <= 0 {
		return fmt.Errorf("session.reconnect_delay must be > 0")
	}
	if c.Session.PublishMaxAttempts <= 0 {
		return fmt.Errorf("session.publish_max_attempts must be > 0")
	}
	if c.Session.PublishBackoffBase <= 0 {
		return fmt.Errorf("session.publish_backoff_base must be > 0")
	}
	if c.Session.QualityWindow <= 0 || c.Session.QualityLongWindow <= 0 {
		return fmt.Errorf("session quality windows must be > 0")
	}
	if c.Session.QualityLongWindow < c.Session.QualityWindow {
		return fmt.Errorf("session.quality_long_window must be >= session.quality_window")
	}
	if c.Session.LongSessionAfter <= 0 {
		return fmt.Errorf("session.long_session_after must be > 0")
	}
	if c.Session.CaptureFrameRate <= 0 {
		return fmt.Errorf("session.capture_frame_rate must be > 0")
	}

	if c.Relay.DialTimeout <= 0 {
		return fmt.Errorf("relay.dial_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be greater than relay.ping_interval")
	}
	if c.Relay.PublishTimeout <= 0 {
		return fmt.Errorf("relay.publish_timeout must be > 0")
	}
	if c.Relay.ResumeAttempts < 0 {
		return fmt.Errorf("relay.resume_attempts must be >= 0")
	}
	if c.Relay.ResumeAttempts > 0 && c.Relay.ResumeDelay <= 0 {
		return fmt.Errorf("relay.resume_delay must be > 0 when relay.resume_attempts > 0")
	}
	if c.Relay.PortRange.Min > 0 || c.Relay.PortRange.Max > 0 {
		if c.Relay.PortRange.Min == 0 || c.Relay.PortRange.Max == 0 {
			return fmt.Errorf("relay.port_range.min and max must both be set when one is set")
		}
		if c.Relay.PortRange.Min >= c.Relay.PortRange.Max {
			return fmt.Errorf("relay.port_range.min must be < max")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
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

	cfg.Server.Address = ":8090"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.TokenServer.Address = ":8080"
	cfg.TokenServer.RelayURL = "ws://localhost:7880"
	cfg.TokenServer.ReadTimeout = 10 * time.Second
	cfg.TokenServer.WriteTimeout = 10 * time.Second
	cfg.TokenServer.ShutdownTimeout = 10 * time.Second

	cfg.Session.TokenEndpoint = "http://localhost:8080"
	cfg.Session.TokenTimeout = 10 * time.Second
	cfg.Session.ReconnectAttempts = 3
	cfg.Session.ReconnectDelay = 2 * time.Second
	cfg.Session.PublishMaxAttempts = 5
	cfg.Session.PublishBackoffBase = time.Second
	cfg.Session.QualityWindow = 30 * time.Second
	cfg.Session.QualityLongWindow = 120 * time.Second
	cfg.Session.LongSessionAfter = time.Hour
	cfg.Session.AutoplayAllowed = true
	cfg.Session.CaptureFrameRate = 30
	cfg.Session.CapturePermission = true

	cfg.Relay.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Relay.DialTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 15 * time.Second
	cfg.Relay.PongTimeout = 30 * time.Second
	cfg.Relay.PublishTimeout = 15 * time.Second
	cfg.Relay.ResumeAttempts = 2
	cfg.Relay.ResumeDelay = time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "teleconsulta"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.NoticeChannel = "teleconsulta:notices"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 2 * time.Hour
	cfg.Auth.Issuer = "teleconsulta"
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.RequestsPerSecond = 5
	cfg.RateLimiting.Burst = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TELECONSULTA_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("TELECONSULTA_TOKEN_SERVER_ADDRESS"); v != "" {
		c.TokenServer.Address = v
	}
	if v := os.Getenv("TELECONSULTA_RELAY_URL"); v != "" {
		c.TokenServer.RelayURL = v
	}
	if v := os.Getenv("TELECONSULTA_TOKEN_ENDPOINT"); v != "" {
		c.Session.TokenEndpoint = v
	}
	if v := os.Getenv("TELECONSULTA_PARTICIPANT_NAME"); v != "" {
		c.Session.ParticipantName = v
	}
	if v := os.Getenv("TELECONSULTA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TELECONSULTA_API_TOKEN"); v != "" {
		c.Server.APIToken = v
	}
	if v := os.Getenv("TELECONSULTA_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TELECONSULTA_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("TELECONSULTA_ALLOWED_ORIGINS"); v != "" {
		c.Auth.AllowedOrigins = strings.Split(v, ",")
	}
}
