package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ModeLAN      = "lan"
	ModeInternet = "internet"
)

type Config struct {
	// Transport
	Mode     string `mapstructure:"mode"`
	RelayURL string `mapstructure:"relay_url"`

	// LAN ports
	DiscoveryPort int `mapstructure:"discovery_port"`
	ControlPort   int `mapstructure:"control_port"`

	// Local control API for the UI layer
	APIAddr string `mapstructure:"api_addr"`

	// Relay server
	RelayAddr         string        `mapstructure:"relay_addr"`
	RedisURL          string        `mapstructure:"redis_url"`
	RelayPingInterval time.Duration `mapstructure:"relay_ping_interval"`
	RelayPongTimeout  time.Duration `mapstructure:"relay_pong_timeout"`
	UpgradesPerMinute int           `mapstructure:"upgrades_per_minute"`

	// Session timing
	LockTimeoutMinutes  int           `mapstructure:"lock_timeout_minutes"`
	BeaconInterval      time.Duration `mapstructure:"beacon_interval"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CandidateTTL        time.Duration `mapstructure:"candidate_ttl"`
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`
	KickGrace           time.Duration `mapstructure:"kick_grace"`

	Log LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RegisterFlags adds the flags every binary understands.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a JSON config file (default ./config.json when present)")
	fs.String("mode", "", "transport mode: lan or internet")
	fs.String("relay-url", "", "relay server URL for internet mode")
	fs.String("api-addr", "", "listen address of the local control API")
	fs.String("log-file", "", "write logs to this file instead of stdout")
}

// Load reads .env, an optional JSON config file, CLASSLOCK_* environment
// variables and the given flags, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLASSLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("redis_url", "CLASSLOCK_REDIS_URL", "REDIS_URL")

	explicit := ""
	if fs != nil {
		explicit, _ = fs.GetString("config")
		bindFlag(v, fs, "mode", "mode")
		bindFlag(v, fs, "relay_url", "relay-url")
		bindFlag(v, fs, "api_addr", "api-addr")
		bindFlag(v, fs, "log.file", "log-file")
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLAN:
	case ModeInternet:
		if c.RelayURL == "" {
			return errors.New("relay_url is required in internet mode")
		}
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, ModeLAN, ModeInternet)
	}

	if c.DiscoveryPort <= 0 || c.ControlPort <= 0 {
		return errors.New("discovery_port and control_port must be positive")
	}
	if c.LockTimeoutMinutes <= 0 {
		return errors.New("lock_timeout_minutes must be positive")
	}

	durations := map[string]time.Duration{
		"beacon_interval":      c.BeaconInterval,
		"poll_interval":        c.PollInterval,
		"candidate_ttl":        c.CandidateTTL,
		"registration_timeout": c.RegistrationTimeout,
		"relay_ping_interval":  c.RelayPingInterval,
		"relay_pong_timeout":   c.RelayPongTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.KickGrace < 0 {
		return errors.New("kick_grace must not be negative")
	}
	return nil
}

func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) {
	if f := fs.Lookup(name); f != nil {
		v.BindPFlag(key, f)
	}
}
