package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"odd canvas width", func(c *Config) { c.Canvas.Width = 1281 }},
		{"zero canvas height", func(c *Config) { c.Canvas.Height = 0 }},
		{"bgcolor out of range", func(c *Config) { c.Canvas.BgColor = 0x1000000 }},
		{"zero video tick", func(c *Config) { c.Canvas.VideoTick = 0 }},
		{"three audio channels", func(c *Config) { c.Audio.Channels = 3 }},
		{"zero pacing limit", func(c *Config) { c.Audio.PacingLimit = 0 }},
		{"zero output queue", func(c *Config) { c.Outputs.QueueSize = 0 }},
		{"tiny chunk size", func(c *Config) { c.Outputs.RTMP.ChunkSize = 64 }},
		{"negative write timeout", func(c *Config) { c.Outputs.RTMP.WriteTimeout = -time.Second }},
		{"max delay below initial", func(c *Config) {
			c.Outputs.Reconnect.InitialDelay = time.Second
			c.Outputs.Reconnect.MaxDelay = time.Millisecond
		}},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown repository", func(c *Config) { c.Repository.Backend = "etcd" }},
		{"bolt without path", func(c *Config) {
			c.Repository.Backend = "bolt"
			c.Repository.BoltPath = ""
		}},
		{"redis without address", func(c *Config) {
			c.Repository.Backend = "redis"
			c.Redis.Address = ""
		}},
		{"redis namespace with glob", func(c *Config) {
			c.Repository.Backend = "redis"
			c.Redis.Namespace = "mix*"
		}},
		{"bad session name", func(c *Config) { c.Control.Session = "a b" }},
		{"video bitrate too low", func(c *Config) { c.Outputs.VideoBitrate = 1 }},
		{"backup without dir", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Dir = ""
		}},
		{"auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = ""
		}},
		{"pong before ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"sampling rate above one", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRate = 1.5
		}},
		{"http rps must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws burst must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RILLMIX_LOG_LEVEL", "debug")
	t.Setenv("RILLMIX_SESSION", "studio")
	t.Setenv("RILLMIX_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("RILLMIX_METRICS_INTERVAL", "not-a-duration")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Canvas.Width != 1280 || cfg.Canvas.Height != 720 {
		t.Errorf("expected default canvas 1280x720, got %dx%d", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override for log level, got %q", cfg.Logging.Level)
	}
	if cfg.Control.Session != "studio" {
		t.Errorf("expected env override for session, got %q", cfg.Control.Session)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("expected shutdown timeout override, got %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Monitoring.MetricsInterval != 5*time.Second {
		t.Errorf("expected unparsable metrics interval to keep the default, got %s", cfg.Monitoring.MetricsInterval)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixer.yaml")
	data := []byte(`
canvas:
  width: 1920
  height: 1080
  bgcolor: 0x000000
  video_tick: 33ms
outputs:
  video_bitrate: 4500
  rtmp:
    chunk_size: 8192
repository:
  backend: bolt
  bolt_path: /tmp/layout.db
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Canvas.Width != 1920 || cfg.Canvas.Height != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Canvas.BgColor != 0 {
		t.Errorf("expected black background, got %#x", cfg.Canvas.BgColor)
	}
	if cfg.Canvas.VideoTick != 33*time.Millisecond {
		t.Errorf("expected 33ms tick, got %v", cfg.Canvas.VideoTick)
	}
	if cfg.Outputs.VideoBitrate != 4500 || cfg.Outputs.RTMP.ChunkSize != 8192 {
		t.Errorf("unexpected outputs section: %+v", cfg.Outputs)
	}
	// Values absent from the file keep their defaults.
	if cfg.Outputs.AudioBitrate != 64 {
		t.Errorf("expected default audio bitrate, got %d", cfg.Outputs.AudioBitrate)
	}
	if cfg.Repository.Backend != "bolt" || cfg.Repository.BoltPath != "/tmp/layout.db" {
		t.Errorf("unexpected repository section: %+v", cfg.Repository)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("canvas:\n  width: 7\n  height: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for odd canvas")
	}
}
