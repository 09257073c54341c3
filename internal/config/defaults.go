package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeLAN)
	v.SetDefault("relay_url", "")

	v.SetDefault("discovery_port", 41234)
	v.SetDefault("control_port", 3000)
	v.SetDefault("api_addr", "127.0.0.1:8080")

	v.SetDefault("relay_addr", ":3000")
	v.SetDefault("redis_url", "")
	v.SetDefault("relay_ping_interval", 2500*time.Millisecond)
	v.SetDefault("relay_pong_timeout", 5*time.Second)
	v.SetDefault("upgrades_per_minute", 120)

	v.SetDefault("lock_timeout_minutes", 60)
	v.SetDefault("beacon_interval", 2*time.Second)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("candidate_ttl", 5*time.Second)
	v.SetDefault("registration_timeout", 7*time.Second)
	v.SetDefault("kick_grace", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)
}
