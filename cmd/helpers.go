package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dayuer/dispatchd/internal/config"
	"github.com/dayuer/dispatchd/internal/journal"
)

// loadConfig loads the config selected by --config.
func loadConfig() (config.Config, string, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// makeJournal builds the journal fan-out for cfg: the log always, plus the
// configured persistent store. The store is also returned as the reader
// behind /api/journal; it is nil for the log driver.
func makeJournal(cfg config.JournalConfig) (*journal.Multi, journal.Reader, error) {
	multi := journal.NewMulti(journal.LogSink{Quiet: !cfg.Verbose})

	switch cfg.Driver {
	case "", config.DriverLog:
		return multi, nil, nil
	case config.DriverSQLite:
		s, err := journal.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("journal: %w", err)
		}
		multi.Add(s)
		return multi, s, nil
	case config.DriverRedis:
		s, err := journal.OpenRedis(journal.RedisConfig{
			URL:        cfg.RedisURL,
			Key:        cfg.RedisKey,
			MaxEntries: cfg.MaxEntries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("journal: %w", err)
		}
		multi.Add(s)
		return multi, s, nil
	default:
		return nil, nil, fmt.Errorf("journal: unknown driver %q", cfg.Driver)
	}
}

// envInt reads an integer environment variable.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// discardStorer accepts forward actions when rules are only being checked.
type discardStorer struct{}

func (discardStorer) Store(string, any) (string, error) { return "", nil }
