package config

import (
	"reflect"
	"strings"

	logx "pagerelay/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Live sections are applied without a restart.
	Live []string
	// Restart sections only take effect after the process restarts.
	Restart []string
	// Fields are safe to log; they never carry credentials.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Live = append(ch.Live, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Source != newCfg.Source {
		ch.Live = append(ch.Live, "source")
		ch.Fields = append(ch.Fields, logx.String("source.url", newCfg.Source.URL))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		ch.Live = append(ch.Live, "schedule")
		ch.Fields = append(ch.Fields, logx.String("schedule.times", strings.Join(newCfg.Schedule.Times, ",")))
	}
	if oldCfg.Relay != newCfg.Relay {
		ch.Live = append(ch.Live, "relay")
		ch.Fields = append(ch.Fields, logx.String("relay.on_send_error", newCfg.Relay.OnSendError))
	}

	if oldCfg.Chat != newCfg.Chat {
		ch.Restart = append(ch.Restart, "chat")
	}
	if oldCfg.Liveness != newCfg.Liveness {
		ch.Restart = append(ch.Restart, "liveness")
	}
	if oldCfg.Lock != newCfg.Lock {
		ch.Restart = append(ch.Restart, "lock")
	}
	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		ch.Restart = append(ch.Restart, "systemd")
	}
	return ch
}
