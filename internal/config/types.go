package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "30m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Search   SearchConfig   `json:"search"`
	Poll     PollConfig     `json:"poll"`
	Notify   NotifyConfig   `json:"notify"`
	Sessions SessionsConfig `json:"sessions"`
	HTTP     HTTPConfig     `json:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives forwarded log lines.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "mongo", "dsn": "mongodb://localhost:27017", "database": "rentwatch" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Database    string `json:"database,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type SearchConfig struct {
	BaseURL           string  `json:"base_url"`
	Timeout           string  `json:"timeout"`
	UserAgent         string  `json:"user_agent,omitempty"`
	PageSize          int     `json:"page_size"`
	SortType          int     `json:"sort_type"`
	MaxDaysSinceAdded int     `json:"max_days_since_added"`
	Channel           string  `json:"channel"`
	RatePerSec        float64 `json:"rate_per_sec"`
	// Locations adds or overrides location codes, e.g. {"Hackney": "REGION^93953"}.
	Locations map[string]string `json:"locations,omitempty"`
}

type PollConfig struct {
	Enabled bool   `json:"enabled"`
	Interval string `json:"interval"`
	// Schedule overrides interval: cron ("*/30 * * * *") or interval ("45m", "01:30").
	Schedule      string `json:"schedule,omitempty"`
	IdleCooldown  string `json:"idle_cooldown"`
	BusyCooldown  string `json:"busy_cooldown"`
	MaxPerMonitor int    `json:"max_per_monitor"`
	// BulkIngest records every current listing without sending anything.
	BulkIngest bool `json:"bulk_ingest"`
}

type NotifyConfig struct {
	MessageDelay    string  `json:"message_delay"`
	BatchDelay      string  `json:"batch_delay"`
	DelayMultiplier float64 `json:"delay_multiplier"`
	MaxImages       int     `json:"max_images"`
	RatePerSec      float64 `json:"rate_per_sec"`
	RetryMax        int     `json:"retry_max"`
	RetryBase       string  `json:"retry_base"`
	RetryMaxDelay   string  `json:"retry_max_delay"`
}

type SessionsConfig struct {
	TTL string `json:"ttl"`
}

// HTTPConfig controls the operational status server.
//
// Prefer binding to localhost. A non-loopback addr requires Token; pprof
// handlers are mounted only when Pprof is set.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Pprof   bool   `json:"pprof"`
	Token   string `json:"token,omitempty"`
}
