package config

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`

	// Storage holds the fairness ledger. If omitted, the ledger is kept in
	// memory only and lost on restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	Feeds   FeedsConfig   `json:"feeds"`
	Refresh RefreshConfig `json:"refresh"`
	Engine  EngineConfig  `json:"engine"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the JSON API listener.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8780"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls ledger persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./meridian_ledger" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// FeedsConfig points at the versioned YAML feed documents.
type FeedsConfig struct {
	Holidays string `json:"holidays"`
	Rules    string `json:"rules"`
	Profiles string `json:"profiles"`

	// FetchTimeout bounds each feed read on the request path.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// RatePerSec throttles feed reloads. 0 means unthrottled.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// RefreshConfig controls the background calendar/rule warmer.
type RefreshConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression; default "0 3 * * *" (daily, 03:00).
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// YearsAhead is how many future years to keep warm. Default 1.
	YearsAhead int `json:"years_ahead,omitempty"`
}

// EngineConfig tunes the optimizer defaults; requests may override the
// classification thresholds and minimum window.
type EngineConfig struct {
	AmberMin  string `json:"amber_min,omitempty"`
	GreenMin  string `json:"green_min,omitempty"`
	MinWindow string `json:"min_window,omitempty"`

	// RuleTimeout bounds each compliance rule-set fetch.
	RuleTimeout string `json:"rule_timeout,omitempty"`
	// CacheSize is the resolver's (jurisdiction, year) LRU capacity.
	CacheSize int `json:"cache_size,omitempty"`
}
