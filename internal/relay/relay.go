// Package relay fetches the source page and republishes it into a chat channel as a series
// of preformatted messages.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"pagerelay/internal/eventbus"
	"pagerelay/internal/fetch"
	"pagerelay/internal/lock"
	"pagerelay/internal/metrics"
	"pagerelay/internal/storage"
	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

// Fetcher produces the payload for one run.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Send failure policies.
const (
	OnSendErrorAbort    = "abort"
	OnSendErrorContinue = "continue"
)

// Options are the run parameters that may change on config reload.
type Options struct {
	ChannelID   int64
	Source      Fetcher
	SourceURL   string
	OnSendError string
	// SendRate limits messages per second; 0 sends back to back.
	SendRate float64
	LockTTL  time.Duration
}

// Deps are fixed for the service's lifetime. Nil members are replaced with no-op versions.
type Deps struct {
	Adapter kit.Adapter
	Log     logx.Logger
	Bus     eventbus.Bus
	Locker  lock.Locker
	Store   storage.Store
	Now     func() time.Time
}

// Report summarizes one run.
type Report struct {
	ID         string
	Trigger    time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Channel    int64
	Bytes      int
	Segments   int
	Sent       int
	Failed     int
	Err        error
}

// OK reports whether every segment of the payload was delivered.
func (r Report) OK() bool { return r.State == StateDone && r.Failed == 0 }

func (r Report) Record() storage.RunRecord {
	rec := storage.RunRecord{
		ID:         r.ID,
		Trigger:    r.Trigger,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		State:      r.State.String(),
		Channel:    r.Channel,
		Bytes:      r.Bytes,
		Segments:   r.Segments,
		Sent:       r.Sent,
		Failed:     r.Failed,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

type Service struct {
	d Deps

	// runMu serializes runs within the process.
	runMu sync.Mutex

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter
}

func New(d Deps, opts Options) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Locker == nil {
		d.Locker = lock.Nop{}
	}
	if d.Store == nil {
		d.Store = storage.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{d: d}
	s.Apply(opts)
	return s
}

// Apply swaps the run options. A run in progress keeps the options it started with.
func (s *Service) Apply(opts Options) {
	if opts.OnSendError == "" {
		opts.OnSendError = OnSendErrorAbort
	}
	var lim *rate.Limiter
	if opts.SendRate > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.SendRate), 1)
	}
	s.mu.Lock()
	s.opts = opts
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Service) snapshot() (Options, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts, s.limiter
}

// Run performs one relay for the trigger instant. The channel is resolved before anything
// is fetched, so an unknown channel costs no request and sends nothing.
func (s *Service) Run(ctx context.Context, trigger time.Time) (rep Report) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	opts, limiter := s.snapshot()
	rep = Report{
		ID:        ulid.Make().String(),
		Trigger:   trigger,
		StartedAt: s.d.Now(),
		State:     StateIdle,
		Channel:   opts.ChannelID,
	}
	log := s.d.Log.With(logx.String("run", rep.ID))
	log.Info("run started", logx.Time("trigger", trigger), logx.Int64("channel", opts.ChannelID))

	key := lock.RunKey(trigger)
	token, ok, err := s.d.Locker.TryLock(ctx, key, opts.LockTTL)
	switch {
	case err != nil:
		log.Warn("run lock unavailable; relaying anyway", logx.String("key", key), logx.Err(err))
	case !ok:
		log.Info("run skipped; trigger held by another instance", logx.String("key", key))
		rep.State = StateSkipped
		return s.finish(ctx, log, rep)
	default:
		defer func() {
			// A run that reached the source keeps the key until its TTL so a late replica
			// firing the same trigger is skipped instead of delivering again.
			if holdsTrigger(rep.State) {
				return
			}
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.d.Locker.Unlock(uctx, key, token); err != nil {
				log.Warn("run unlock failed", logx.String("key", key), logx.Err(err))
			}
		}()
	}

	ch, err := s.d.Adapter.Resolve(ctx, opts.ChannelID)
	if err != nil {
		rep.State = StateAborted
		rep.Err = err
		if errors.Is(err, ErrChannelNotFound) {
			log.Error("channel not found", logx.Int64("channel", opts.ChannelID))
		} else {
			log.Error("channel resolve failed", logx.Int64("channel", opts.ChannelID), logx.Err(err))
		}
		return s.finish(ctx, log, rep)
	}

	rep.State = StateFetching
	payload, err := opts.Source.Fetch(ctx)
	if err != nil {
		rep.State = StateFetchFailed
		rep.Err = err
		fields := []logx.Field{logx.String("url", opts.SourceURL), logx.Err(err)}
		if code := fetch.StatusCode(err); code != 0 {
			fields = append(fields, logx.Int("status", code))
		}
		log.Error("fetch failed", fields...)
		return s.finish(ctx, log, rep)
	}
	if payload == "" {
		rep.State = StateFetchFailed
		rep.Err = ErrEmptyPayload
		metrics.IncFetchFailure("empty")
		log.Error("fetch failed", logx.String("url", opts.SourceURL), logx.Err(ErrEmptyPayload))
		return s.finish(ctx, log, rep)
	}
	rep.State = StateFetched
	rep.Bytes = len(payload)

	segs := Split(payload, MaxChunk(s.d.Adapter.MessageLimit()))
	rep.Segments = len(segs)
	log.Info("payload fetched",
		logx.String("size", humanize.Bytes(uint64(len(payload)))),
		logx.Int("segments", len(segs)),
	)

	rep.State = StateRelaying
	for i, seg := range segs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				rep.State = StateSendFailed
				rep.Err = &SendError{Index: i, Err: err}
				log.Error("send aborted", logx.Int("index", i), logx.Err(err))
				return s.finish(ctx, log, rep)
			}
		}
		ref, err := s.d.Adapter.Send(ctx, ch, Wrap(seg))
		if err != nil {
			rep.Failed++
			serr := &SendError{Index: i, Err: err}
			if opts.OnSendError != OnSendErrorContinue {
				rep.State = StateSendFailed
				rep.Err = serr
				log.Error("send failed; aborting run", logx.Int("index", i), logx.Int("of", len(segs)), logx.Err(err))
				return s.finish(ctx, log, rep)
			}
			if rep.Err == nil {
				rep.Err = serr
			}
			log.Error("send failed; continuing", logx.Int("index", i), logx.Int("of", len(segs)), logx.Err(err))
			continue
		}
		rep.Sent++
		metrics.IncSegmentSent()
		log.Info("segment sent",
			logx.Int("index", i),
			logx.Int("of", len(segs)),
			logx.Int("len", utf8.RuneCountInString(seg)),
			logx.String("message", ref.MessageID),
		)
	}
	rep.State = StateDone
	return s.finish(ctx, log, rep)
}

// holdsTrigger reports whether a run ending in st must keep its trigger lock until expiry.
// Only runs that never touched the source hand the trigger back early.
func holdsTrigger(st State) bool {
	return st != StateAborted && st != StateSkipped
}

func (s *Service) finish(ctx context.Context, log logx.Logger, rep Report) Report {
	if !rep.State.Terminal() {
		log.Warn("run ended in a non-terminal state", logx.String("state", rep.State.String()))
		rep.State = StateAborted
	}
	rep.FinishedAt = s.d.Now()
	metrics.IncRun(rep.State.String())

	log.Info("run finished",
		logx.String("state", rep.State.String()),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("segments", rep.Segments),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.d.Store.AppendRun(sctx, rep.Record()); err != nil {
		log.Warn("run history append failed", logx.Err(err))
	}
	if s.d.Bus != nil {
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Time: rep.FinishedAt, Data: rep})
	}
	return rep
}
