package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"pagerelay/internal/eventbus"
	"pagerelay/internal/schedule"
	logx "pagerelay/pkg/logx"
)

func TestNextFollowsSchedule(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	changed, unsub := bus.Subscribe(2, eventbus.TypeScheduleChanged)
	defer unsub()

	s := New(schedule.Default(), nil, bus, logx.Nop())
	before := schedule.Default().Next(time.Now())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	after := schedule.Default().Next(time.Now())

	got := s.Next()
	if !got.Equal(before) && !got.Equal(after) {
		t.Fatalf("Next = %v, want %v", got, before)
	}

	s.Apply(schedule.Daily{Times: []schedule.TimeOfDay{{Hour: 0, Minute: 0}}})
	got = s.Next()
	if got.Hour() != 0 || got.Minute() != 0 || !got.After(time.Now()) {
		t.Fatalf("Next after Apply = %v", got)
	}
	select {
	case e := <-changed:
		if at, ok := e.Data.(time.Time); !ok || !at.Equal(got) {
			t.Fatalf("schedule changed event = %#v", e.Data)
		}
	default:
		t.Fatal("expected schedule changed event")
	}
}

func TestNextBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(schedule.Default(), nil, nil, logx.Nop())
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	if got, want := s.Next(), time.Date(2024, 3, 10, 18, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestRunOnStartFiresOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	triggers, unsub := bus.Subscribe(2, eventbus.TypeTrigger)
	defer unsub()

	fired := make(chan time.Time, 2)
	s := New(schedule.Default(), func(_ context.Context, at time.Time) { fired <- at }, bus, logx.Nop())
	fixed := time.Date(2024, 3, 10, 12, 0, 42, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.SetRunOnStart(true)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case at := <-fired:
		if want := fixed.Truncate(time.Minute); !at.Equal(want) {
			t.Fatalf("trigger = %v, want %v", at, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}
	select {
	case <-triggers:
	case <-time.After(time.Second):
		t.Fatal("expected trigger event")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	result := make(chan error, 1)
	s := New(schedule.Default(), func(ctx context.Context, _ time.Time) {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
	}, nil, logx.Nop())
	s.SetRunOnStart(true)
	s.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("job ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not canceled")
	}
}

func TestKVFields(t *testing.T) {
	t.Parallel()
	if got := len(kvFields([]interface{}{"a", 1, "b", 2})); got != 2 {
		t.Fatalf("fields = %d, want 2", got)
	}
	if got := len(kvFields([]interface{}{"a", 1, "dangling"})); got != 2 {
		t.Fatalf("fields = %d, want 2", got)
	}
}
