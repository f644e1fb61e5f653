package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bringyour/realtimedb/rtdb"
)

// fileConfig mirrors the shape an operator hand-writes into an
// rtdbctl.toml to pin non-default timeouts and cache behavior without
// touching code. Unset fields fall back to library defaults.
type fileConfig struct {
	Session struct {
		HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
		RequestTimeoutSeconds    int `toml:"request_timeout_seconds"`
	} `toml:"session"`
	Cache struct {
		Dir        string `toml:"dir"`
		MaxSizeMib int64  `toml:"max_size_mib"`
		TTLSeconds int    `toml:"ttl_seconds"`
		Disable    bool   `toml:"disable"`
	} `toml:"cache"`
}

// loadFileConfig reads path if it exists and is non-empty; a missing
// path is not an error, so rtdbctl works with no config file at all.
func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &fileConfig{}, nil
	}

	config := &fileConfig{}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *fileConfig) databaseOptions() *rtdb.DatabaseOptions {
	options := &rtdb.DatabaseOptions{
		DisableCache: self.Cache.Disable,
	}

	if self.Cache.Dir != "" {
		options.CacheDir = self.Cache.Dir
	}
	if self.Cache.MaxSizeMib > 0 {
		options.CacheConfig.MaxSize = self.Cache.MaxSizeMib * 1024 * 1024
	}
	if self.Cache.TTLSeconds > 0 {
		options.CacheConfig.TTL = time.Duration(self.Cache.TTLSeconds) * time.Second
	}

	if self.Session.HeartbeatIntervalSeconds > 0 || self.Session.RequestTimeoutSeconds > 0 {
		settings := rtdb.DefaultSessionSettings()
		if self.Session.HeartbeatIntervalSeconds > 0 {
			settings.HeartbeatInterval = time.Duration(self.Session.HeartbeatIntervalSeconds) * time.Second
		}
		if self.Session.RequestTimeoutSeconds > 0 {
			settings.RequestTimeout = time.Duration(self.Session.RequestTimeoutSeconds) * time.Second
		}
		options.Session = settings
	}

	return options
}
