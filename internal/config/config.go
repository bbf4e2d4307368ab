package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	Server   ServerConfig `mapstructure:"server"`
	Swarm    SwarmConfig  `mapstructure:"swarm"`
}

// ServerConfig drives cmd/hub.
type ServerConfig struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	RelayLimit  int           `mapstructure:"relay_limit"`
	RelayWindow time.Duration `mapstructure:"relay_window"`
	NatsURL     string        `mapstructure:"nats_url"`
	TimeSubject string        `mapstructure:"time_subject"`
}

// SwarmConfig drives cmd/swarm.
type SwarmConfig struct {
	HubURL            string        `mapstructure:"hub_url"`
	Relay             string        `mapstructure:"relay"`
	Probes            int           `mapstructure:"probes"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	LatenessThreshold time.Duration `mapstructure:"lateness_threshold"`
	PropagationBuffer time.Duration `mapstructure:"propagation_buffer"`
	DedupeRetention   time.Duration `mapstructure:"dedupe_retention"`
	SignalTimeout     time.Duration `mapstructure:"signal_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	AlwaysRelay       bool          `mapstructure:"always_relay"`
	ICEServers        []string      `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.relay_limit", 200)
	v.SetDefault("server.relay_window", "1s")
	v.SetDefault("server.nats_url", "")
	v.SetDefault("server.time_subject", "swarm.time")

	v.SetDefault("swarm.hub_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("swarm.relay", "ws")
	v.SetDefault("swarm.probes", 7)
	v.SetDefault("swarm.probe_timeout", "2s")
	v.SetDefault("swarm.sync_interval", "30s")
	v.SetDefault("swarm.lateness_threshold", "100ms")
	v.SetDefault("swarm.propagation_buffer", "1s")
	v.SetDefault("swarm.dedupe_retention", "5m")
	v.SetDefault("swarm.signal_timeout", "15s")
	v.SetDefault("swarm.max_retries", 4)
	v.SetDefault("swarm.backoff_base", "500ms")
	v.SetDefault("swarm.backoff_max", "8s")
	v.SetDefault("swarm.always_relay", true)
	v.SetDefault("swarm.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Any key can
// be overridden from the environment as SWARM_<SECTION>_<KEY>.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Msg("no .env file")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("hub", cfg.Swarm.HubURL).
		Msg("config ready")
	return &cfg, nil
}
