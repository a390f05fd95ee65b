package app

import (
	"strconv"
	"strings"
	"time"

	"rentwatch/internal/bot"
	"rentwatch/internal/config"
	"rentwatch/internal/diff"
	"rentwatch/internal/notify"
	"rentwatch/internal/observability/httpd"
	"rentwatch/internal/poller"
	"rentwatch/internal/search"
	"rentwatch/internal/storage"
	logx "rentwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. An empty or invalid value clears the
// target.
func logTarget(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		Database:    strings.TrimSpace(sc.Database),
		BusyTimeout: busy,
	}, nil
}

func mapSearch(cfg *config.Config) (search.Config, error) {
	sc := cfg.Search
	timeout, err := config.Duration("search.timeout", sc.Timeout, 0)
	if err != nil {
		return search.Config{}, err
	}
	return search.Config{
		BaseURL:           sc.BaseURL,
		Timeout:           timeout,
		UserAgent:         sc.UserAgent,
		PageSize:          sc.PageSize,
		SortType:          sc.SortType,
		MaxDaysSinceAdded: sc.MaxDaysSinceAdded,
		Channel:           sc.Channel,
		RatePerSec:        sc.RatePerSec,
		Locations:         sc.Locations,
	}, nil
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notify
	out := notify.Config{
		DelayMultiplier: nc.DelayMultiplier,
		MaxImages:       nc.MaxImages,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		BulkIngest:      cfg.Poll.BulkIngest,
	}
	var err error
	def := notify.DefaultConfig()
	if out.MessageDelay, err = config.Duration("notify.message_delay", nc.MessageDelay, def.MessageDelay); err != nil {
		return notify.Config{}, err
	}
	if out.BatchDelay, err = config.Duration("notify.batch_delay", nc.BatchDelay, def.BatchDelay); err != nil {
		return notify.Config{}, err
	}
	if out.RetryBase, err = config.Duration("notify.retry_base", nc.RetryBase, def.RetryBase); err != nil {
		return notify.Config{}, err
	}
	if out.RetryMaxDelay, err = config.Duration("notify.retry_max_delay", nc.RetryMaxDelay, def.RetryMaxDelay); err != nil {
		return notify.Config{}, err
	}
	return out, nil
}

// mapPoll takes the notifier config so busy cooldowns shrink with the
// notifier's delay multiplier (bulk ingest included).
func mapPoll(cfg *config.Config, nc notify.Config) (poller.Config, error) {
	pc := cfg.Poll
	def := poller.DefaultConfig()
	out := poller.Config{
		Enabled:    pc.Enabled,
		Schedule:   strings.TrimSpace(pc.Schedule),
		Multiplier: nc.Multiplier(),
	}
	var err error
	if out.Interval, err = config.Duration("poll.interval", pc.Interval, def.Interval); err != nil {
		return poller.Config{}, err
	}
	if out.IdleCooldown, err = config.Duration("poll.idle_cooldown", pc.IdleCooldown, def.IdleCooldown); err != nil {
		return poller.Config{}, err
	}
	if out.BusyCooldown, err = config.Duration("poll.busy_cooldown", pc.BusyCooldown, def.BusyCooldown); err != nil {
		return poller.Config{}, err
	}
	return out, nil
}

// maxPerCycle is the diff cap; bulk ingest lifts it.
func maxPerCycle(cfg *config.Config) int {
	if cfg.Poll.BulkIngest {
		return 0
	}
	if cfg.Poll.MaxPerMonitor <= 0 {
		return diff.DefaultMaxPerCycle
	}
	return cfg.Poll.MaxPerMonitor
}

func mapBot(cfg *config.Config) (bot.Config, error) {
	ttl, err := config.Duration("sessions.ttl", cfg.Sessions.TTL, 15*time.Minute)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Owners:     cfg.Telegram.OwnerUserIDs,
		SessionTTL: ttl,
	}, nil
}

func mapHTTP(cfg *config.Config) httpd.Config {
	return httpd.Config{
		Enabled: cfg.HTTP.Enabled,
		Addr:    strings.TrimSpace(cfg.HTTP.Addr),
		Pprof:   cfg.HTTP.Pprof,
		Token:   strings.TrimSpace(cfg.HTTP.Token),
	}
}
