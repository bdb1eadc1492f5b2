package app

import (
	"strings"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/eventbus"
	"pagerelay/internal/schedule"
	logx "pagerelay/pkg/logx"
)

// applyConfig pushes the live sections of next into the running services and returns the
// config that is now in effect. Sections that need a restart are only reported.
func (a *App) applyConfig(prev, next *config.Config) *config.Config {
	if next == nil {
		return prev
	}
	change := config.Diff(prev, next)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return next
	}
	a.notify.Reloading()
	defer a.notify.Ready()

	for _, s := range change.Live {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "source", "relay":
			a.relay.Apply(relayOptions(next, newFetcher(next, a.version)))
		case "schedule":
			sched, err := schedule.Parse(next.Schedule.Times)
			if err != nil {
				a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(sched)
			a.sched.SetRunOnStart(next.Schedule.RunOnStart)
		}
	}
	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(append(change.Live, change.Restart...), ","))}, change.Fields...)
	a.log.Info("config applied", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: change})
	return next
}
