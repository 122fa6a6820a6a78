package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"rillmix/pkg/utils"
	"rillmix/pkg/validation"

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
		Enabled      bool          `yaml:"enabled"`
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"signal"`

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
		// PLIInterval is how often a keyframe is requested from peers.
		PLIInterval time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Canvas struct {
		Width      int           `yaml:"width"`
		Height     int           `yaml:"height"`
		BgColor    int           `yaml:"bgcolor"`
		VideoTick  time.Duration `yaml:"video_tick"`
		AutoLayout bool          `yaml:"auto_layout"`
	} `yaml:"canvas"`

	Audio struct {
		Channels int `yaml:"channels"`
		// PacingLimit is the queued frame count an input needs to be mixed.
		PacingLimit    int           `yaml:"pacing_limit"`
		AudioTick      time.Duration `yaml:"audio_tick"`
		ReceiveTimeout time.Duration `yaml:"receive_timeout"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
	} `yaml:"audio"`

	Outputs struct {
		VideoBitrate int `yaml:"video_bitrate"`
		AudioBitrate int `yaml:"audio_bitrate"`
		QueueSize    int `yaml:"queue_size"`
		RTMP         struct {
			ChunkSize    int           `yaml:"chunk_size"`
			DialTimeout  time.Duration `yaml:"dial_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
		} `yaml:"rtmp"`
		Reconnect struct {
			MaxAttempts      int           `yaml:"max_attempts"`
			InitialDelay     time.Duration `yaml:"initial_delay"`
			MaxDelay         time.Duration `yaml:"max_delay"`
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"reconnect"`
	} `yaml:"outputs"`

	Control struct {
		Stdio   bool   `yaml:"stdio"`
		Session string `yaml:"session"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// Prefix of every key; mixers sharing a server need distinct ones.
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`

	Repository struct {
		Backend  string `yaml:"backend"`
		BoltPath string `yaml:"bolt_path"`
	} `yaml:"repository"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Dir       string        `yaml:"dir"`
		Interval  time.Duration `yaml:"interval"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"backup"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`
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
	if c.Signal.Enabled {
		if c.Signal.Path == "" {
			return fmt.Errorf("signal.path must not be empty when signal.enabled=true")
		}
		if c.Signal.PingInterval <= 0 {
			return fmt.Errorf("signal.ping_interval must be > 0")
		}
		if c.Signal.PongTimeout <= c.Signal.PingInterval {
			return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
		}
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

	// Canvas
	if err := validation.ValidateCanvasSize(c.Canvas.Width, c.Canvas.Height); err != nil {
		return fmt.Errorf("canvas: %w", err)
	}
	if err := validation.ValidateColor(c.Canvas.BgColor); err != nil {
		return fmt.Errorf("canvas.bgcolor: %w", err)
	}
	if c.Canvas.VideoTick <= 0 {
		return fmt.Errorf("canvas.video_tick must be > 0")
	}

	// Audio
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2")
	}
	if c.Audio.PacingLimit <= 0 {
		return fmt.Errorf("audio.pacing_limit must be > 0")
	}
	if c.Audio.AudioTick <= 0 {
		return fmt.Errorf("audio.audio_tick must be > 0")
	}

	// Outputs
	if c.Outputs.QueueSize <= 0 {
		return fmt.Errorf("outputs.queue_size must be > 0")
	}
	if err := validation.ValidateBitrate(c.Outputs.VideoBitrate); err != nil {
		return fmt.Errorf("outputs.video_bitrate: %w", err)
	}
	if err := validation.ValidateBitrate(c.Outputs.AudioBitrate); err != nil {
		return fmt.Errorf("outputs.audio_bitrate: %w", err)
	}
	if c.Outputs.RTMP.ChunkSize < 128 || c.Outputs.RTMP.ChunkSize > 0xFFFFFF {
		return fmt.Errorf("outputs.rtmp.chunk_size must be within [128, 16777215]")
	}
	if c.Outputs.RTMP.WriteTimeout < 0 {
		return fmt.Errorf("outputs.rtmp.write_timeout must be >= 0")
	}
	if c.Outputs.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("outputs.reconnect.max_attempts must be >= 0")
	}
	if c.Outputs.Reconnect.InitialDelay <= 0 || c.Outputs.Reconnect.MaxDelay < c.Outputs.Reconnect.InitialDelay {
		return fmt.Errorf("outputs.reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Outputs.Reconnect.FailureThreshold <= 0 {
		return fmt.Errorf("outputs.reconnect.failure_threshold must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Repository
	switch c.Repository.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when repository.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when repository.backend=redis")
		}
		if c.Redis.Namespace == "" || strings.ContainsAny(c.Redis.Namespace, " *?[]") {
			return fmt.Errorf("redis.namespace must be non-empty without spaces or glob characters")
		}
	case "bolt":
		if c.Repository.BoltPath == "" {
			return fmt.Errorf("repository.bolt_path must not be empty when repository.backend=bolt")
		}
	default:
		return fmt.Errorf("repository.backend must be one of memory, redis, bolt")
	}

	// Control
	if err := validation.ValidateSession(c.Control.Session); err != nil {
		return fmt.Errorf("control.session: %w", err)
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0")
		}
		if c.Backup.Retention < 0 {
			return fmt.Errorf("backup.retention must be >= 0")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if err := validation.ValidateNonEmptyString(c.Auth.JWTSecret, "auth.jwt_secret"); err != nil {
			return fmt.Errorf("%w when auth.enabled=true", err)
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerEndpoint); err != nil {
			return fmt.Errorf("tracing.jaeger_endpoint: %w", err)
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Enabled = true
	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second

	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Canvas.Width = 1280
	cfg.Canvas.Height = 720
	cfg.Canvas.BgColor = 0x333333
	cfg.Canvas.VideoTick = 40 * time.Millisecond
	cfg.Canvas.AutoLayout = true

	cfg.Audio.Channels = 2
	cfg.Audio.PacingLimit = 3
	// 1024 samples at 44.1 kHz last ~23 ms; tick at half of that.
	cfg.Audio.AudioTick = 11 * time.Millisecond
	cfg.Audio.ReceiveTimeout = 10 * time.Second
	cfg.Audio.RetryDelay = time.Second

	cfg.Outputs.VideoBitrate = 1000
	cfg.Outputs.AudioBitrate = 64
	cfg.Outputs.QueueSize = 64
	cfg.Outputs.RTMP.ChunkSize = 4096
	cfg.Outputs.RTMP.DialTimeout = 5 * time.Second
	cfg.Outputs.RTMP.WriteTimeout = 5 * time.Second
	cfg.Outputs.Reconnect.MaxAttempts = 5
	cfg.Outputs.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Outputs.Reconnect.MaxDelay = 10 * time.Second
	cfg.Outputs.Reconnect.FailureThreshold = 3
	cfg.Outputs.Reconnect.OpenTimeout = 30 * time.Second

	cfg.Control.Stdio = false
	cfg.Control.Session = "default"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Namespace = "rillmix"

	cfg.Repository.Backend = "memory"
	cfg.Repository.BoltPath = "rillmix.db"

	cfg.Backup.Enabled = false
	cfg.Backup.Dir = "data/backups"
	cfg.Backup.Interval = time.Hour
	cfg.Backup.Retention = 7 * 24 * time.Hour

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SamplingRate = 0.1

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RILLMIX_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RILLMIX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("RILLMIX_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if secret := os.Getenv("RILLMIX_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
		c.Auth.Enabled = true
	}
	if backend := os.Getenv("RILLMIX_REPOSITORY"); backend != "" {
		c.Repository.Backend = backend
	}
	if addr := os.Getenv("RILLMIX_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if v := os.Getenv("RILLMIX_SHUTDOWN_TIMEOUT"); v != "" {
		c.Server.ShutdownTimeout = utils.ParseDurationSafe(v, c.Server.ShutdownTimeout)
	}
	if v := os.Getenv("RILLMIX_METRICS_INTERVAL"); v != "" {
		c.Monitoring.MetricsInterval = utils.ParseDurationSafe(v, c.Monitoring.MetricsInterval)
	}
	if session := os.Getenv("RILLMIX_SESSION"); session != "" {
		c.Control.Session = session
	}
	if v := os.Getenv("RILLMIX_CANVAS_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Canvas.Width = n
		}
	}
	if v := os.Getenv("RILLMIX_CANVAS_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Canvas.Height = n
		}
	}
}
