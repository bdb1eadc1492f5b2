package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/fetch"
	"pagerelay/internal/liveness"
	"pagerelay/internal/relay"
	"pagerelay/internal/storage"
	kit "pagerelay/internal/transport"
	"pagerelay/internal/transport/discord"
	"pagerelay/internal/transport/telegram"
	logx "pagerelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	ch := l.Chat.ChannelID
	if ch == 0 {
		ch = cfg.Chat.ChannelID
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChannelID:  ch,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{Driver: cfg.Storage.Driver, Path: strings.TrimSpace(cfg.Storage.Path)}
	if strings.EqualFold(sc.Driver, config.StorageSQLite) {
		sc.BusyTimeout = time.Second
	}
	return sc
}

func mapLivenessConfig(cfg *config.Config) liveness.Config {
	return liveness.Config{
		Addr:    cfg.Liveness.Addr,
		Body:    cfg.Liveness.Body,
		Metrics: cfg.Liveness.Metrics,
		Pprof:   cfg.Liveness.Pprof,
	}
}

func newFetcher(cfg *config.Config, version string) *fetch.Fetcher {
	return fetch.New(strings.TrimSpace(cfg.Source.URL), cfg.SourceTimeout(), "pagerelay/"+version)
}

func relayOptions(cfg *config.Config, src relay.Fetcher) relay.Options {
	return relay.Options{
		ChannelID:   cfg.Chat.ChannelID,
		Source:      src,
		SourceURL:   strings.TrimSpace(cfg.Source.URL),
		OnSendError: cfg.Relay.OnSendError,
		SendRate:    cfg.Relay.SendRate,
		LockTTL:     cfg.LockTTL(),
	}
}

// AdapterFactory builds the chat adapter for the configured platform.
type AdapterFactory func(cfg *config.Config, token string, log logx.Logger) (kit.Adapter, error)

func defaultAdapter(cfg *config.Config, token string, log logx.Logger) (kit.Adapter, error) {
	switch cfg.Chat.Platform {
	case config.PlatformDiscord:
		a, err := discord.New(discord.Config{Token: token, MessageLimit: cfg.Chat.MessageLimit}, log)
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.PlatformTelegram:
		a, err := telegram.New(telegram.Config{Token: token, MessageLimit: cfg.Chat.MessageLimit, APITimeout: 30 * time.Second}, log)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown chat platform %q", cfg.Chat.Platform)
	}
}

// token reads the bot credential. A missing credential is fatal.
func token(cfg *config.Config, getenv func(string) string) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	name := strings.TrimSpace(cfg.Chat.TokenEnv)
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
