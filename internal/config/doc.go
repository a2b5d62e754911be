// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Journal drivers.
const (
	DriverLog    = "log"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the top-level dispatchd configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Journal    JournalConfig    `json:"journal"`
}

// ServerConfig holds HTTP/WebSocket API settings.
type ServerConfig struct {
	Port          int    `json:"port,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
	WSFingerprint string `json:"wsFingerprint,omitempty"`
	HeartbeatSec  int    `json:"heartbeatSec,omitempty"`
}

// DispatcherConfig holds evaluation settings.
type DispatcherConfig struct {
	TickIntervalMs int    `json:"tickIntervalMs,omitempty"`
	RulesFile      string `json:"rulesFile,omitempty"`
}

// TickInterval returns the configured evaluation tick, or zero when unset.
func (d DispatcherConfig) TickInterval() time.Duration {
	return time.Duration(d.TickIntervalMs) * time.Millisecond
}

// JournalConfig selects where diagnostic records are persisted in addition
// to the log.
type JournalConfig struct {
	Driver     string `json:"driver,omitempty"` // log | sqlite | redis
	Path       string `json:"path,omitempty"`   // sqlite file
	RedisURL   string `json:"redisUrl,omitempty"`
	RedisKey   string `json:"redisKey,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"` // redis list cap
	Verbose    bool   `json:"verbose,omitempty"`    // log fired entries too
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         18790,
			HeartbeatSec: 10,
		},
		Dispatcher: DispatcherConfig{
			TickIntervalMs: 50,
		},
		Journal: JournalConfig{
			Driver:     DriverLog,
			MaxEntries: 1000,
		},
	}
}
