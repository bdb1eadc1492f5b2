package app

import (
	"context"
	"fmt"
	"time"

	"pagerelay/internal/runtime/supervisor"
	"pagerelay/internal/storage"
)

// Status is rendered at /status.
type Status struct {
	Version  string               `json:"version"`
	Platform string               `json:"platform"`
	Uptime   string               `json:"uptime"`
	Schedule []string             `json:"schedule"`
	NextRun  time.Time            `json:"next_run"`
	LastRun  *storage.RunRecord   `json:"last_run,omitempty"`
	Recent   []storage.RunRecord  `json:"recent,omitempty"`
	Dropped  uint64               `json:"events_dropped"`
	Tasks    *supervisor.Snapshot `json:"tasks,omitempty"`
}

const recentRuns = 5

func (a *App) Status() Status {
	st := Status{
		Version:  a.version,
		Platform: a.adapter.Name(),
		Schedule: a.cfgm.Get().Schedule.Times,
		NextRun:  a.sched.Next().UTC(),
		Dropped:  a.bus.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	if rep, ok := a.lastRun(); ok {
		rec := rep.Record()
		st.LastRun = &rec
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if recs, err := a.store.RecentRuns(ctx, recentRuns); err == nil {
		st.Recent = recs
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Tasks = &snap
	}
	return st
}

// health fails on a fatal supervisor error or while a supervised task is down.
// Tasks that restart and come back make it healthy again.
func (a *App) health() error {
	if a.sup == nil {
		return nil
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	if f := a.sup.Snapshot().Failing(); len(f) > 0 {
		return fmt.Errorf("%s: %s", f[0].Name, f[0].LastErr)
	}
	return nil
}
