package sdnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "pagerelay/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestDisabledSendsNothing(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(false, logx.Nop())
	n.notify = rec.notify
	n.Ready()
	n.Stopping()
	n.Watchdog(context.Background())
	if len(rec.states) != 0 {
		t.Fatalf("states = %v", rec.states)
	}
}

func TestReadyStoppingStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.Ready()
	n.Status("next run 18:30 UTC")
	n.Stopping()
	want := []string{"READY=1", "STATUS=next run 18:30 UTC", "STOPPING=1"}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("state %d = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx)
	if rec.count("WATCHDOG=1") < 2 {
		t.Fatalf("watchdog pings = %d", rec.count("WATCHDOG=1"))
	}
}

func TestWatchdogAbsent(t *testing.T) {
	t.Parallel()
	n := New(true, logx.Nop())
	n.watchdog = func(bool) (time.Duration, error) { return 0, nil }
	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog should return when no watchdog is configured")
	}
}
