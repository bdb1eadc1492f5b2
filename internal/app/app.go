package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/eventbus"
	"pagerelay/internal/liveness"
	"pagerelay/internal/lock"
	"pagerelay/internal/metrics"
	"pagerelay/internal/relay"
	"pagerelay/internal/runtime/supervisor"
	"pagerelay/internal/schedule"
	"pagerelay/internal/scheduler"
	"pagerelay/internal/sdnotify"
	"pagerelay/internal/storage"
	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

type App struct {
	version string
	started time.Time

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	locker  lock.Locker
	store   storage.Store

	relay  *relay.Service
	sched  *scheduler.Service
	live   *liveness.Server
	notify *sdnotify.Notifier

	lastMu sync.Mutex
	last   *relay.Report
}

// Option customizes construction. Used by tests to avoid real chat sessions.
type Option func(*buildOpts)

type buildOpts struct {
	adapter AdapterFactory
	getenv  func(string) string
}

func WithAdapterFactory(f AdapterFactory) Option { return func(o *buildOpts) { o.adapter = f } }
func WithGetenv(f func(string) string) Option    { return func(o *buildOpts) { o.getenv = f } }

// New loads the config and builds every component. Nothing is started.
func New(cfgPath, version string, opts ...Option) (*App, error) {
	bo := buildOpts{adapter: defaultAdapter}
	for _, o := range opts {
		o(&bo)
	}
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tok, err := token(cfg, bo.getenv)
	if err != nil {
		return nil, err
	}

	// The chat sink has no sender until the adapter exists; SetSender attaches it below.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ad, err := bo.adapter(cfg, tok, log.With(logx.String("comp", cfg.Chat.Platform)))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("chat adapter: %w", err)
	}
	logSvc.SetSender(ad)

	sched, err := schedule.Parse(cfg.Schedule.Times)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("schedule.times: %w", err)
	}

	locker, err := openLocker(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = locker.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	if _, nop := store.(storage.Nop); !nop {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))
	}

	bus := eventbus.New()
	a := &App{
		version: version,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		locker:  locker,
		store:   store,
		notify:  sdnotify.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
	}
	a.relay = relay.New(relay.Deps{
		Adapter: ad,
		Log:     log.With(logx.String("comp", "relay")),
		Bus:     bus,
		Locker:  locker,
		Store:   store,
	}, relayOptions(cfg, newFetcher(cfg, version)))

	a.sched = scheduler.New(sched, a.runScheduled, bus, log.With(logx.String("comp", "scheduler")))
	a.sched.SetRunOnStart(cfg.Schedule.RunOnStart)

	a.live = liveness.New(mapLivenessConfig(cfg), liveness.Probes{
		Health: a.health,
		Status: func() any { return a.Status() },
	}, log.With(logx.String("comp", "liveness")))
	return a, nil
}

func openLocker(cfg *config.Config, log logx.Logger) (lock.Locker, error) {
	addr := strings.TrimSpace(cfg.Lock.RedisAddr)
	if addr == "" {
		return lock.Nop{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := lock.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	log.Info("trigger lock enabled", logx.String("redis", addr), logx.Duration("ttl", cfg.LockTTL()))
	return l, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	c := a.sup.Context()

	metrics.MustRegister()
	metrics.SetBuildInfo(a.version)

	if err := a.adapter.Open(c); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("chat session: %w", err)
	}

	a.sup.GoRestart("liveness.http", a.live.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)

	a.sup.Go0("relay.scheduler", func(c context.Context) {
		a.sched.Start(c)
		<-c.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(c), 5*time.Second)
		defer cancel()
		a.sched.Stop(stopCtx)
	})

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				applied = a.applyConfig(applied, next)
			}
		}
	})
	// Watch rebuilds its own watcher; a restart here only covers panics.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithStopOnCleanExit(true),
	)

	a.sup.Go0("systemd.watchdog", a.notify.Watchdog)
	a.notify.Ready()
	a.notify.Status("next run " + a.sched.Next().UTC().Format(time.RFC3339))

	cfg := a.cfgm.Get()
	a.log.Info("app started",
		logx.String("version", a.version),
		logx.String("platform", a.adapter.Name()),
		logx.Int64("channel", cfg.Chat.ChannelID),
		logx.String("times", strings.Join(cfg.Schedule.Times, ",")),
	)
	return nil
}

// RunOnce opens the chat session, performs a single relay for the current minute and
// returns its report. A run skipped because another instance holds the trigger is not a
// failure.
func (a *App) RunOnce(ctx context.Context) (relay.Report, error) {
	if err := a.adapter.Open(ctx); err != nil {
		return relay.Report{}, fmt.Errorf("chat session: %w", err)
	}
	rep := a.relay.Run(ctx, time.Now().UTC().Truncate(time.Minute))
	a.setLast(rep)
	if rep.OK() || rep.State == relay.StateSkipped {
		return rep, nil
	}
	if rep.Err == nil {
		return rep, fmt.Errorf("run %s ended %s", rep.ID, rep.State)
	}
	return rep, fmt.Errorf("run %s ended %s: %w", rep.ID, rep.State, rep.Err)
}

func (a *App) runScheduled(ctx context.Context, trigger time.Time) {
	a.relay.Run(ctx, trigger)
}

func (a *App) onEvent(e eventbus.Event) {
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	switch e.Type {
	case eventbus.TypeRunFinished:
		rep, ok := e.Data.(relay.Report)
		if !ok {
			return
		}
		a.setLast(rep)
		a.notify.Status(fmt.Sprintf("last run %s (%d/%d sent), next %s",
			rep.State, rep.Sent, rep.Segments, a.sched.Next().UTC().Format(time.RFC3339)))
	case eventbus.TypeScheduleChanged:
		if next, ok := e.Data.(time.Time); ok {
			a.notify.Status("next run " + next.UTC().Format(time.RFC3339))
		}
	}
}

func (a *App) setLast(rep relay.Report) {
	a.lastMu.Lock()
	a.last = &rep
	a.lastMu.Unlock()
}

func (a *App) lastRun() (relay.Report, bool) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.last == nil {
		return relay.Report{}, false
	}
	return *a.last, true
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Supervised tasks include the scheduler, which waits for a run in progress.
	step("supervisor", 6*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("adapter", 2*time.Second, a.adapter.Close)
	step("lock", 1*time.Second, func(context.Context) error { return a.locker.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
