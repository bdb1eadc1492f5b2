package config

// Config is the on-disk configuration. Secrets are never stored here; Chat.TokenEnv names
// the environment variable that holds the bot credential.
type Config struct {
	Chat     ChatConfig     `json:"chat"`
	Source   SourceConfig   `json:"source"`
	Schedule ScheduleConfig `json:"schedule"`
	Relay    RelayConfig    `json:"relay"`
	Liveness LivenessConfig `json:"liveness"`
	Logging  LoggingConfig  `json:"logging"`
	Lock     LockConfig     `json:"lock"`
	Storage  StorageConfig  `json:"storage"`
	Systemd  SystemdConfig  `json:"systemd"`
}

type ChatConfig struct {
	Platform     string `json:"platform"`
	TokenEnv     string `json:"token_env"`
	ChannelID    int64  `json:"channel_id"`
	MessageLimit int    `json:"message_limit"`
}

type SourceConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout"`
}

type ScheduleConfig struct {
	Times      []string `json:"times"`
	RunOnStart bool     `json:"run_on_start"`
}

type RelayConfig struct {
	// SendRate is messages per second; 0 disables pacing.
	SendRate    float64 `json:"send_rate"`
	OnSendError string  `json:"on_send_error"`
}

type LivenessConfig struct {
	Addr    string `json:"addr"`
	Body    string `json:"body"`
	Metrics bool   `json:"metrics"`
	Pprof   bool   `json:"pprof"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    LogChatConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  int64  `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type LockConfig struct {
	RedisAddr string `json:"redis_addr"`
	TTL       string `json:"ttl"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"

	OnSendErrorAbort    = "abort"
	OnSendErrorContinue = "continue"

	StorageNone   = "none"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Defaults reproduces the stock deployment: a Discord bot relaying the netsapiens version
// page at 18:30 and 06:30 UTC, with a liveness endpoint on :8080.
func Defaults() *Config {
	return &Config{
		Chat: ChatConfig{
			Platform:  PlatformDiscord,
			TokenEnv:  "discordtoken",
			ChannelID: 1304802520677355673,
		},
		Source: SourceConfig{
			URL: "https://qa-u16-tor6.netsapiens.com/server-versions.html",
		},
		Schedule: ScheduleConfig{
			Times: []string{"18:30", "06:30"},
		},
		Relay: RelayConfig{
			OnSendError: OnSendErrorAbort,
		},
		Liveness: LivenessConfig{
			Addr:    ":8080",
			Body:    "Bot is running",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LogFileConfig{Path: "./pagerelay.log"},
			Chat:    LogChatConfig{MinLevel: "warn", RatePerSec: 1},
		},
		Lock: LockConfig{TTL: "10m"},
		Storage: StorageConfig{
			Driver: StorageNone,
			Path:   "./pagerelay.db",
		},
		Systemd: SystemdConfig{Notify: true},
	}
}
