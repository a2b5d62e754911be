package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// GetConfigPath returns the default config file path (~/.dispatchd/config.json).
func GetConfigPath() string {
	return filepath.Join(GetHomeDir(), "config.json")
}

// GetHomeDir returns the dispatchd state directory (~/.dispatchd).
func GetHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dispatchd")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	if err := cfg.Validate(); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Validate reports settings that cannot be used as given.
func (c Config) Validate() error {
	switch c.Journal.Driver {
	case "", DriverLog:
	case DriverSQLite:
		if c.Journal.Path == "" {
			return fmt.Errorf("config: journal driver %q requires path", c.Journal.Driver)
		}
	case DriverRedis:
		if c.Journal.RedisURL == "" {
			return fmt.Errorf("config: journal driver %q requires redisUrl", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("config: unknown journal driver %q", c.Journal.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Dispatcher.TickIntervalMs < 0 {
		return fmt.Errorf("config: negative tickIntervalMs %d", c.Dispatcher.TickIntervalMs)
	}
	return nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
