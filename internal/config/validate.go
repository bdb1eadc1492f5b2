package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pagerelay/internal/schedule"
	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

// Validate checks a parsed config. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Chat.Platform {
	case PlatformDiscord, PlatformTelegram:
	default:
		add("chat.platform: unknown platform %q", c.Chat.Platform)
	}
	if strings.TrimSpace(c.Chat.TokenEnv) == "" {
		add("chat.token_env: required")
	}
	if c.Chat.ChannelID <= 0 {
		add("chat.channel_id: must be > 0")
	}
	if c.Chat.MessageLimit != 0 && c.Chat.MessageLimit <= kit.FenceOverhead {
		add("chat.message_limit: must be 0 or greater than %d", kit.FenceOverhead)
	}

	if u, err := url.Parse(strings.TrimSpace(c.Source.URL)); err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("source.url: must be an absolute http(s) URL")
	}
	if _, err := ParseDurationField("source.timeout", c.Source.Timeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := schedule.Parse(c.Schedule.Times); err != nil {
		add("schedule.times: %w", err)
	}

	if c.Relay.SendRate < 0 {
		add("relay.send_rate: must be >= 0")
	}
	switch c.Relay.OnSendError {
	case OnSendErrorAbort, OnSendErrorContinue:
	default:
		add("relay.on_send_error: must be %q or %q", OnSendErrorAbort, OnSendErrorContinue)
	}

	if strings.TrimSpace(c.Liveness.Addr) == "" {
		add("liveness.addr: required")
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}
	if c.Logging.Chat.Enabled {
		if !logx.ValidLevel(c.Logging.Chat.MinLevel) {
			add("logging.chat.min_level: unknown level %q", c.Logging.Chat.MinLevel)
		}
		if c.Logging.Chat.RatePerSec < 0 {
			add("logging.chat.rate_per_sec: must be >= 0")
		}
	}

	if ttl, err := ParseDurationField("lock.ttl", c.Lock.TTL); err != nil {
		errs = append(errs, err)
	} else if ttl == 0 && strings.TrimSpace(c.Lock.TTL) != "" && strings.TrimSpace(c.Lock.RedisAddr) != "" {
		add("lock.ttl: must be > 0 when lock.redis_addr is set")
	}

	switch c.Storage.Driver {
	case StorageNone:
	case StorageFile, StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	return errors.Join(errs...)
}
