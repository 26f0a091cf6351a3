package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Ledger   LedgerConfig   `json:"ledger"`

	// Engine controls the order scheduling engine (tick grid + execution).
	// An omitted section means enabled with defaults; orders do not execute
	// without the engine, so absence must not silently disable it.
	Engine *EngineConfig `json:"engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`
}

// EngineEnabled reports whether the scheduler should run. An omitted engine
// section means enabled; a present section states it explicitly.
func (c *Config) EngineEnabled() bool {
	return c.Engine == nil || c.Engine.Enabled
}

// NotifierEnabled follows the same convention as EngineEnabled.
func (c *Config) NotifierEnabled() bool {
	return c.Notifier == nil || c.Notifier.Enabled
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via TG_TOKEN.
	Token string `json:"token,omitempty"`

	// OwnerUserIDs are allowed to create orders. Everyone can /list, /cancel
	// their own orders, and check /balance.
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LedgerConfig points the gateway at the signer sidecar that performs the
// actual stake/unstake extrinsics.
type LedgerConfig struct {
	// BaseURL may be left empty in the file and supplied via LEDGER_URL.
	BaseURL string `json:"base_url,omitempty"`
	Network string `json:"network,omitempty"` // e.g. "finney"

	// RequestTimeout bounds a single gateway call (Go duration string).
	// An attempt that exceeds it is recorded as a transient failure.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// EngineConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - tick_spec: "* * * * *" (every minute, on the minute)
//   - workers: 4
//   - transfer_timeout: "90s"
type EngineConfig struct {
	Enabled bool `json:"enabled"`

	// TickSpec is a cron expression for the tick grid. It must fire at least
	// as often as the finest order frequency (one minute), else due orders
	// are skipped rather than merely delayed.
	TickSpec string `json:"tick_spec,omitempty"`

	Timezone string `json:"timezone,omitempty"`

	// Workers bounds how many due orders settle concurrently within one tick.
	Workers int `json:"workers,omitempty"`

	// TransferTimeout is a Go duration string bounding each ledger call.
	TransferTimeout string `json:"transfer_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// StorageConfig selects the order store driver.
//
// Driver values: "sqlite" (default) or "memory" (dev/tests; state is lost on
// restart).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
