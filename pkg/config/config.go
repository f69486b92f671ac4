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
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Voice struct {
		DisconnectGrace   time.Duration `yaml:"disconnect_grace"`
		ReofferGrace      time.Duration `yaml:"reoffer_grace"`
		MaxICERestarts    int           `yaml:"max_ice_restarts"`
		RejoinDelay       time.Duration `yaml:"rejoin_delay"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
		SpeakingInterval  time.Duration `yaml:"speaking_interval"`
		SpeakingThreshold float64       `yaml:"speaking_threshold"`
	} `yaml:"voice"`

	Audio struct {
		SampleRate         int     `yaml:"sample_rate"`
		FrameDuration      time.Duration `yaml:"frame_duration"`
		MicGain            float64 `yaml:"mic_gain"`
		HighPassEnabled    bool    `yaml:"high_pass_enabled"`
		NoiseSuppressor    bool    `yaml:"noise_suppressor"`
		VoiceShapeIntensity float64 `yaml:"voice_shape_intensity"`
		BitrateKbps        int     `yaml:"bitrate_kbps"`
		FEC                bool    `yaml:"fec"`
		DTX                bool    `yaml:"dtx"`
	} `yaml:"audio"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		TracingEnabled    bool `yaml:"tracing_enabled"`
		JaegerURL         string `yaml:"jaeger_url"`
	} `yaml:"monitoring"`

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

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		// DevTokens exposes an unauthenticated token-minting endpoint.
		// Never enable outside local development.
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	if c.Voice.DisconnectGrace <= 0 {
		return fmt.Errorf("voice.disconnect_grace must be > 0")
	}
	if c.Voice.ReofferGrace <= 0 {
		return fmt.Errorf("voice.reoffer_grace must be > 0")
	}
	if c.Voice.MaxICERestarts < 0 {
		return fmt.Errorf("voice.max_ice_restarts must be >= 0")
	}
	if c.Voice.RejoinDelay <= 0 {
		return fmt.Errorf("voice.rejoin_delay must be > 0")
	}
	if c.Voice.StatsInterval <= 0 {
		return fmt.Errorf("voice.stats_interval must be > 0")
	}
	if c.Voice.SpeakingInterval <= 0 {
		return fmt.Errorf("voice.speaking_interval must be > 0")
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("audio.frame_duration must be > 0")
	}
	if c.Audio.MicGain < 0 {
		return fmt.Errorf("audio.mic_gain must be >= 0")
	}
	if c.Audio.VoiceShapeIntensity < 0 || c.Audio.VoiceShapeIntensity > 1 {
		return fmt.Errorf("audio.voice_shape_intensity must be in [0, 1]")
	}
	if c.Audio.BitrateKbps <= 0 {
		return fmt.Errorf("audio.bitrate_kbps must be > 0")
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
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0")
		}
	}

	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Voice.DisconnectGrace = 4 * time.Second
	cfg.Voice.ReofferGrace = 5 * time.Second
	cfg.Voice.MaxICERestarts = 2
	cfg.Voice.RejoinDelay = 1500 * time.Millisecond
	cfg.Voice.StatsInterval = 2 * time.Second
	cfg.Voice.SpeakingInterval = 100 * time.Millisecond
	cfg.Voice.SpeakingThreshold = 12.0

	cfg.Audio.SampleRate = 48000
	cfg.Audio.FrameDuration = 20 * time.Millisecond
	cfg.Audio.MicGain = 1.0
	cfg.Audio.HighPassEnabled = true
	cfg.Audio.NoiseSuppressor = false
	cfg.Audio.VoiceShapeIntensity = 0.6
	cfg.Audio.BitrateKbps = 64
	cfg.Audio.FEC = true
	cfg.Audio.DTX = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.TracingEnabled = false
	cfg.Monitoring.JaegerURL = "http://localhost:14268/api/traces"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.DevTokens = false

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("NEXUSVOICE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("NEXUSVOICE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("NEXUSVOICE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("NEXUSVOICE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
