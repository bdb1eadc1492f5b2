package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pagerelay/internal/eventbus"
	"pagerelay/internal/metrics"
	"pagerelay/internal/schedule"
	logx "pagerelay/pkg/logx"
)

// Job runs one relay for the given trigger instant.
type Job func(ctx context.Context, trigger time.Time)

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	job Job
	now func() time.Time
	wg  sync.WaitGroup

	mu         sync.Mutex
	sched      schedule.Daily
	runOnStart bool
	c          *cron.Cron
	entry      cron.EntryID
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(sched schedule.Daily, job Job, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		bus:   bus,
		job:   job,
		now:   time.Now,
		sched: sched,
	}
}

// SetRunOnStart makes Start fire one run immediately, in addition to the schedule.
func (s *Service) SetRunOnStart(enabled bool) {
	s.mu.Lock()
	s.runOnStart = enabled
	s.mu.Unlock()
}

// Start registers the schedule and begins firing. Jobs run with a context derived from ctx
// that is canceled by Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entry = s.c.Schedule(s.sched, cron.FuncJob(s.fire))
	s.c.Start()
	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire()
		}()
	}

	next := s.nextLocked()
	metrics.SetNextRun(next)
	s.log.Info("scheduler started",
		logx.String("times", s.sched.String()),
		logx.Time("next", next),
		logx.Duration("in", next.Sub(s.now())),
		logx.Bool("run_on_start", s.runOnStart),
	)
}

// Stop halts firing and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	extra := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(extra)
	}()
	select {
	case <-stopped.Done():
		select {
		case <-extra:
		case <-ctx.Done():
			s.log.Warn("scheduler stop timed out; canceling running job")
		}
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; canceling running job")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the schedule. The next fire time is recomputed from now.
func (s *Service) Apply(sched schedule.Daily) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched = sched
	if s.c == nil {
		return
	}
	s.c.Remove(s.entry)
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.fire))
	next := s.nextLocked()
	metrics.SetNextRun(next)
	s.publish(eventbus.TypeScheduleChanged, next)
	s.log.Info("schedule updated", logx.String("times", sched.String()), logx.Time("next", next))
}

// Next is the instant of the next scheduled run.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Service) nextLocked() time.Time {
	if s.c != nil {
		if e := s.c.Entry(s.entry); e.Valid() && !e.Next.IsZero() {
			return e.Next
		}
	}
	return s.sched.NextAt(s.now())
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.ctx
	sched := s.sched
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	// Fires land on minute boundaries; truncating removes cron's wake-up latency.
	trigger := s.now().UTC().Truncate(time.Minute)
	metrics.SetNextRun(sched.Next(trigger))
	s.publish(eventbus.TypeTrigger, trigger)
	s.log.Info("trigger fired", logx.Time("trigger", trigger))
	if s.job != nil {
		s.job(ctx, trigger)
	}
}

func (s *Service) publish(typ string, t time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: t})
}
