package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default returns a config with every optional field filled.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Poll:    PollConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	setStr := func(p *string, def string) {
		if strings.TrimSpace(*p) == "" {
			*p = def
		}
	}
	setInt := func(p *int, def int) {
		if *p == 0 {
			*p = def
		}
	}

	setStr(&cfg.Telegram.PollTimeout, "10s")
	setStr(&cfg.Logging.Level, "info")

	setStr(&cfg.Storage.Driver, "sqlite")
	if strings.EqualFold(cfg.Storage.Driver, "sqlite") {
		setStr(&cfg.Storage.Path, "./data/rentwatch.db")
	}
	setStr(&cfg.Storage.BusyTimeout, "5s")

	setStr(&cfg.Search.BaseURL, "https://www.rightmove.co.uk")
	setStr(&cfg.Search.Timeout, "20s")
	setInt(&cfg.Search.PageSize, 24)
	setInt(&cfg.Search.SortType, 6)
	setInt(&cfg.Search.MaxDaysSinceAdded, 14)
	setStr(&cfg.Search.Channel, "RENT")

	setStr(&cfg.Poll.Interval, "30m")
	setStr(&cfg.Poll.IdleCooldown, "2s")
	setStr(&cfg.Poll.BusyCooldown, "60s")
	setInt(&cfg.Poll.MaxPerMonitor, 2)

	setStr(&cfg.Notify.MessageDelay, "1s")
	setStr(&cfg.Notify.BatchDelay, "10s")
	if cfg.Notify.DelayMultiplier == 0 {
		cfg.Notify.DelayMultiplier = 1
	}
	setInt(&cfg.Notify.MaxImages, 6)
	if cfg.Notify.RatePerSec == 0 {
		cfg.Notify.RatePerSec = 1
	}
	setInt(&cfg.Notify.RetryMax, 2)
	setStr(&cfg.Notify.RetryBase, "500ms")
	setStr(&cfg.Notify.RetryMaxDelay, "10s")

	setStr(&cfg.Sessions.TTL, "15m")
	setStr(&cfg.HTTP.Addr, "127.0.0.1:8089")
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) time.Duration {
		d, err := Duration(path, raw, 0)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for sqlite")
		}
	case "mongo", "mongodb", "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for %s", cfg.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if !strings.HasPrefix(cfg.Search.BaseURL, "http://") && !strings.HasPrefix(cfg.Search.BaseURL, "https://") {
		add("search.base_url must be an http(s) URL")
	}
	dur("search.timeout", cfg.Search.Timeout)
	if cfg.Search.PageSize < 0 || cfg.Search.RatePerSec < 0 {
		add("search: page_size and rate_per_sec must be >= 0")
	}

	if d := dur("poll.interval", cfg.Poll.Interval); d <= 0 && strings.TrimSpace(cfg.Poll.Schedule) == "" {
		add("poll.interval must be > 0 when poll.schedule is empty")
	}
	dur("poll.idle_cooldown", cfg.Poll.IdleCooldown)
	dur("poll.busy_cooldown", cfg.Poll.BusyCooldown)
	if cfg.Poll.MaxPerMonitor < 0 {
		add("poll.max_per_monitor must be >= 0")
	}

	dur("notify.message_delay", cfg.Notify.MessageDelay)
	dur("notify.batch_delay", cfg.Notify.BatchDelay)
	dur("notify.retry_base", cfg.Notify.RetryBase)
	dur("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if cfg.Notify.DelayMultiplier < 0 || cfg.Notify.RatePerSec < 0 || cfg.Notify.RetryMax < 0 {
		add("notify: delay_multiplier, rate_per_sec and retry_max must be >= 0")
	}
	if cfg.Notify.MaxImages > 10 {
		add("notify.max_images must be <= 10")
	}

	if d := dur("sessions.ttl", cfg.Sessions.TTL); d <= 0 {
		add("sessions.ttl must be > 0")
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) == "" {
		add("http.addr is required when http is enabled")
	}
	return errors.Join(errs...)
}
