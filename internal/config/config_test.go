package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Chat.ChannelID != 1304802520677355673 || cfg.Liveness.Addr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", `
chat:
  platform: telegram
  channel_id: 42
schedule:
  times: ["07:00"]
relay:
  send_rate: 2
  on_send_error: continue
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Chat.Platform != PlatformTelegram || cfg.Chat.ChannelID != 42 {
		t.Fatalf("chat = %+v", cfg.Chat)
	}
	if cfg.Chat.TokenEnv != "discordtoken" {
		t.Fatalf("token_env should keep its default, got %q", cfg.Chat.TokenEnv)
	}
	if len(cfg.Schedule.Times) != 1 || cfg.Schedule.Times[0] != "07:00" {
		t.Fatalf("times = %v", cfg.Schedule.Times)
	}
	if cfg.Relay.OnSendError != OnSendErrorContinue || cfg.Relay.SendRate != 2 {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "chat:\n  bogus: 1\n")
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"chat":{"channel_id":1}} {}`)
	if _, err := NewManager(p).Load(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("Load error = %v, want trailing data", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "platform", mutate: func(c *Config) { c.Chat.Platform = "irc" }, want: "chat.platform"},
		{name: "channel", mutate: func(c *Config) { c.Chat.ChannelID = 0 }, want: "chat.channel_id"},
		{name: "limit", mutate: func(c *Config) { c.Chat.MessageLimit = 6 }, want: "chat.message_limit"},
		{name: "url", mutate: func(c *Config) { c.Source.URL = "/relative" }, want: "source.url"},
		{name: "scheme", mutate: func(c *Config) { c.Source.URL = "ftp://host/x" }, want: "source.url"},
		{name: "timeout", mutate: func(c *Config) { c.Source.Timeout = "soon" }, want: "source.timeout"},
		{name: "times", mutate: func(c *Config) { c.Schedule.Times = []string{"25:00"} }, want: "schedule.times"},
		{name: "no times", mutate: func(c *Config) { c.Schedule.Times = nil }, want: "schedule.times"},
		{name: "policy", mutate: func(c *Config) { c.Relay.OnSendError = "retry" }, want: "relay.on_send_error"},
		{name: "rate", mutate: func(c *Config) { c.Relay.SendRate = -1 }, want: "relay.send_rate"},
		{name: "level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging.level"},
		{name: "storage", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, want: "storage.driver"},
		{name: "storage path", mutate: func(c *Config) { c.Storage.Driver = StorageFile; c.Storage.Path = "" }, want: "storage.path"},
		{name: "lock ttl", mutate: func(c *Config) { c.Lock.TTL = "-1m" }, want: "lock.ttl"},
		{name: "lock ttl zero with redis", mutate: func(c *Config) { c.Lock.RedisAddr = "127.0.0.1:6379"; c.Lock.TTL = "0s" }, want: "lock.ttl"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "smallest message limit", mutate: func(c *Config) { c.Chat.MessageLimit = 7 }},
		{name: "lock ttl zero without redis", mutate: func(c *Config) { c.Lock.TTL = "0s" }},
		{name: "lock ttl default with redis", mutate: func(c *Config) { c.Lock.RedisAddr = "127.0.0.1:6379"; c.Lock.TTL = "" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	if got := cfg.LockTTL(); got != 10*time.Minute {
		t.Fatalf("LockTTL = %v", got)
	}
	if got := cfg.SourceTimeout(); got != 0 {
		t.Fatalf("SourceTimeout = %v", got)
	}
	cfg.Source.Timeout = "15s"
	if got := cfg.SourceTimeout(); got != 15*time.Second {
		t.Fatalf("SourceTimeout = %v", got)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := Defaults()
	b := Defaults()
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("Diff of equal configs = %+v", ch)
	}
	b.Schedule.Times = []string{"01:00"}
	b.Chat.ChannelID = 7
	ch := Diff(a, b)
	if len(ch.Live) != 1 || ch.Live[0] != "schedule" {
		t.Fatalf("Live = %v", ch.Live)
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "chat" {
		t.Fatalf("Restart = %v", ch.Restart)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "relay:\n  send_rate: 1\n")
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if changed, err := m.Reload(); err != nil || changed {
		t.Fatalf("Reload unchanged = %v, %v", changed, err)
	}
	writeFile(t, dir, "config.yaml", "relay:\n  send_rate: 3\n")
	changed, err := m.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload changed = %v, %v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Relay.SendRate != 3 {
			t.Fatalf("published send_rate = %v", cfg.Relay.SendRate)
		}
	default:
		t.Fatal("expected published config")
	}

	writeFile(t, dir, "config.yaml", "relay:\n  on_send_error: nope\n")
	if _, err := m.Reload(); err == nil {
		t.Fatal("expected invalid reload to fail")
	}
	if m.Get().Relay.SendRate != 3 {
		t.Fatal("invalid reload must not replace the committed config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "relay:\n  send_rate: 1\n")
	m := NewManager(p)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Relay.SendRate == 5 {
				return
			}
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			writeFile(t, dir, "config.yaml", "relay:\n  send_rate: 5\n")
		case <-deadline:
			t.Fatal("watcher did not publish the new config")
		}
	}
}
