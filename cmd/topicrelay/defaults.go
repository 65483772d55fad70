package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Telegram
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.request_timeout", 10*time.Second)

	// Relay
	viper.SetDefault("relay.supergroup_id", "")
	viper.SetDefault("relay.max_retry_attempts", 3)
	viper.SetDefault("relay.retry_window", time.Minute)
	viper.SetDefault("relay.health_cache_ttl", time.Minute)
	viper.SetDefault("relay.update_timeout", 30*time.Second)

	// Storage
	viper.SetDefault("redis.url", "redis://127.0.0.1:6379/0")

	// Verification
	viper.SetDefault("verify.bank_file", "")

	// Ops listener (health + metrics)
	viper.SetDefault("ops.bind", "127.0.0.1")
	viper.SetDefault("ops.port", 9090)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
}
