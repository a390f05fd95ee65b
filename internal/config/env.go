package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Existing variables win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides file values from the environment.
//
//	TELEGRAM_TOKEN        telegram.token
//	STORAGE_DRIVER        storage.driver
//	STORAGE_DSN           storage.dsn
//	MONGO_HOST            storage.dsn, and storage.driver=mongo when unset
//	RENTWATCH_LOG_LEVEL   logging.level
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := env("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := env("MONGO_HOST"); v != "" {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "mongo"
		}
	}
	if v := env("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := env("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := env("RENTWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }
