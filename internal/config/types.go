package config

type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    StorageConfig    `json:"storage"`
	Enrollment EnrollmentConfig `json:"enrollment"`

	// Notifier may be omitted; runtime defaults apply.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through the TOKEN environment variable.
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// GroupLog is the chat id receiving forwarded log lines.
	GroupLog string `json:"group_log"`
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

// SchedulerConfig controls the lunch scheduler.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local time
//   - lead_window: "30m"
//   - sweep: "@every 30s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Chats whose schedule lists are loaded at startup.
	Chats []int64 `json:"chats"`

	Timezone   string `json:"timezone,omitempty"`
	LeadWindow string `json:"lead_window,omitempty"`

	// Sweep is a cron spec (seconds optional) or descriptor such as "@every 30s".
	Sweep string `json:"sweep,omitempty"`
}

// StorageConfig selects the schedule persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./lunchbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type EnrollmentConfig struct {
	Dir string `json:"dir"`
}

// NotifierConfig controls the outbound message pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// ObservabilityConfig controls the metrics HTTP endpoint.
//
// A non-loopback addr requires token unless allow_insecure is set.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	Pprof         bool   `json:"pprof"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
