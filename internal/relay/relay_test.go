package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pagerelay/internal/eventbus"
	"pagerelay/internal/fetch"
	"pagerelay/internal/storage"
	kit "pagerelay/internal/transport"
	logx "pagerelay/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	known   map[int64]bool
	limit   int
	failAt  map[int]error
	sent    []string
	resolve atomic.Int32
}

func newFakeAdapter(channel int64) *fakeAdapter {
	return &fakeAdapter{known: map[int64]bool{channel: true}, limit: 2000, failAt: map[int]error{}}
}

func (f *fakeAdapter) Name() string                { return "fake" }
func (f *fakeAdapter) Open(context.Context) error  { return nil }
func (f *fakeAdapter) Close(context.Context) error { return nil }
func (f *fakeAdapter) MessageLimit() int           { return f.limit }

func (f *fakeAdapter) Resolve(_ context.Context, id int64) (kit.Channel, error) {
	f.resolve.Add(1)
	if !f.known[id] {
		return kit.Channel{}, kit.ErrChannelNotFound
	}
	return kit.Channel{ID: id, Name: "versions", Platform: "fake"}, nil
}

func (f *fakeAdapter) Send(_ context.Context, ch kit.Channel, text string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := len(f.sent)
	if err, ok := f.failAt[attempt]; ok {
		delete(f.failAt, attempt)
		f.sent = append(f.sent, "")
		return kit.MessageRef{}, err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChannelID: ch.ID, MessageID: "m"}, nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type fakeFetcher struct {
	payload string
	err     error
	calls   atomic.Int32
}

func (f *fakeFetcher) Fetch(context.Context) (string, error) {
	f.calls.Add(1)
	return f.payload, f.err
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.b.String(), substr)
}

const channel = int64(1304802520677355673)

var trigger = time.Date(2024, 3, 10, 18, 30, 0, 0, time.UTC)

func newService(t *testing.T, a *fakeAdapter, f Fetcher, opts Options, mutate ...func(*Deps)) (*Service, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	d := Deps{
		Adapter: a,
		Log:     logx.FromZerolog(zerolog.New(buf)),
	}
	for _, m := range mutate {
		m(&d)
	}
	if opts.ChannelID == 0 {
		opts.ChannelID = channel
	}
	opts.Source = f
	return New(d, opts), buf
}

func TestRunDeliversAllSegmentsInOrder(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat("a", 1994) + strings.Repeat("b", 1994) + strings.Repeat("c", 1012)
	a := newFakeAdapter(channel)
	svc, buf := newService(t, a, &fakeFetcher{payload: payload}, Options{})

	rep := svc.Run(context.Background(), trigger)
	if !rep.OK() || rep.State != StateDone {
		t.Fatalf("report = %+v", rep)
	}
	msgs := a.messages()
	if len(msgs) != 3 || rep.Sent != 3 || rep.Segments != 3 {
		t.Fatalf("sent %d messages, report %+v", len(msgs), rep)
	}
	var rebuilt strings.Builder
	for i, m := range msgs {
		if len(m) > 2000 {
			t.Fatalf("message %d is %d chars", i, len(m))
		}
		seg, ok := Unwrap(m)
		if !ok {
			t.Fatalf("message %d is not wrapped: %q", i, m[:10])
		}
		rebuilt.WriteString(seg)
	}
	if rebuilt.String() != payload {
		t.Fatal("delivered segments do not reassemble the payload")
	}
	if got := buf.count(`"message":"segment sent"`); got != 3 {
		t.Fatalf("segment sent logs = %d, want 3", got)
	}
	if buf.count(`"level":"error"`) != 0 {
		t.Fatal("successful run logged an error")
	}
	if rep.ID == "" || !strings.Contains(buf.b.String(), rep.ID) {
		t.Fatal("run id missing from logs")
	}
}

func TestRunFetch404(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newFakeAdapter(channel)
	svc, buf := newService(t, a, fetch.New(srv.URL, 0, ""), Options{SourceURL: srv.URL})
	rep := svc.Run(context.Background(), trigger)

	if rep.State != StateFetchFailed {
		t.Fatalf("state = %s, want fetch_failed", rep.State)
	}
	if len(a.messages()) != 0 {
		t.Fatal("no messages may be sent after a failed fetch")
	}
	if got := buf.count(`"level":"error"`); got != 1 {
		t.Fatalf("error logs = %d, want 1", got)
	}
	if buf.count(`"status":404`) != 1 {
		t.Fatal("error log should carry the status code")
	}
	if fetch.StatusCode(rep.Err) != http.StatusNotFound {
		t.Fatalf("report err = %v", rep.Err)
	}
}

func TestRunUnresolvedChannel(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(channel)
	f := &fakeFetcher{payload: "hello"}
	svc, buf := newService(t, a, f, Options{ChannelID: 7})
	rep := svc.Run(context.Background(), trigger)

	if rep.State != StateAborted {
		t.Fatalf("state = %s, want aborted", rep.State)
	}
	if !errors.Is(rep.Err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", rep.Err)
	}
	if len(a.messages()) != 0 {
		t.Fatal("no messages may be sent to an unresolved channel")
	}
	if f.calls.Load() != 0 {
		t.Fatal("source must not be fetched when the channel is unknown")
	}
	if got := buf.count(`"level":"error"`); got != 1 {
		t.Fatalf("error logs = %d, want 1", got)
	}
}

func TestRunSendFailurePolicy(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat("z", 3*1994)
	boom := errors.New("rate limited")

	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		a := newFakeAdapter(channel)
		a.failAt[1] = boom
		svc, _ := newService(t, a, &fakeFetcher{payload: payload}, Options{OnSendError: OnSendErrorAbort})
		rep := svc.Run(context.Background(), trigger)
		if rep.State != StateSendFailed || rep.Sent != 1 || rep.Failed != 1 {
			t.Fatalf("report = %+v", rep)
		}
		var se *SendError
		if !errors.As(rep.Err, &se) || se.Index != 1 || !errors.Is(rep.Err, boom) {
			t.Fatalf("err = %v, want SendError at 1", rep.Err)
		}
		if len(a.messages()) != 1 {
			t.Fatalf("messages = %d, want 1", len(a.messages()))
		}
	})

	t.Run("continue", func(t *testing.T) {
		t.Parallel()
		a := newFakeAdapter(channel)
		a.failAt[1] = boom
		svc, _ := newService(t, a, &fakeFetcher{payload: payload}, Options{OnSendError: OnSendErrorContinue})
		rep := svc.Run(context.Background(), trigger)
		if rep.State != StateDone || rep.Sent != 2 || rep.Failed != 1 || rep.OK() {
			t.Fatalf("report = %+v", rep)
		}
		if len(a.messages()) != 2 {
			t.Fatalf("messages = %d, want 2", len(a.messages()))
		}
	})
}

func TestRunIsRepeatable(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat("<tr>v44.1</tr>\n", 400)
	a := newFakeAdapter(channel)
	svc, _ := newService(t, a, &fakeFetcher{payload: payload}, Options{})

	first := svc.Run(context.Background(), trigger)
	n := len(a.messages())
	second := svc.Run(context.Background(), trigger.Add(12*time.Hour))
	msgs := a.messages()
	if !first.OK() || !second.OK() || len(msgs) != 2*n {
		t.Fatalf("runs = %+v / %+v, messages = %d", first, second, len(msgs))
	}
	for i := 0; i < n; i++ {
		if msgs[i] != msgs[n+i] {
			t.Fatalf("message %d differs between runs", i)
		}
	}
	if first.ID == second.ID {
		t.Fatal("run ids must be unique")
	}
}

func TestRunEmptyPayloadFailsFetch(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(channel)
	svc, buf := newService(t, a, &fakeFetcher{payload: ""}, Options{})
	rep := svc.Run(context.Background(), trigger)
	if rep.State != StateFetchFailed || !errors.Is(rep.Err, ErrEmptyPayload) {
		t.Fatalf("report = %+v", rep)
	}
	if len(a.messages()) != 0 {
		t.Fatal("empty payload must send nothing")
	}
	if n := buf.count(`"level":"error"`); n != 1 {
		t.Fatalf("error lines = %d, want 1", n)
	}
}

// memLocker is a shared SETNX / compare-and-delete lock, as two replicas would see it.
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]string{}} }

func (m *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false, nil
	}
	m.seq++
	tok := fmt.Sprint(m.seq)
	m.held[key] = tok
	return tok, true, nil
}

func (m *memLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

func (m *memLocker) Close() error { return nil }

func TestRunTriggerLockAcrossReplicas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		first     Fetcher
		firstChan int64
		wantFirst State
		wantLater State
		wantMsgs  int
	}{
		{
			name:      "delivered trigger is not delivered again",
			first:     &fakeFetcher{payload: "v44"},
			firstChan: channel,
			wantFirst: StateDone,
			wantLater: StateSkipped,
			wantMsgs:  1,
		},
		{
			name:      "failed fetch still holds the trigger",
			first:     &fakeFetcher{err: errors.New("boom")},
			firstChan: channel,
			wantFirst: StateFetchFailed,
			wantLater: StateSkipped,
			wantMsgs:  0,
		},
		{
			name:      "aborted run hands the trigger back",
			first:     &fakeFetcher{payload: "v44"},
			firstChan: 7,
			wantFirst: StateAborted,
			wantLater: StateDone,
			wantMsgs:  1,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			shared := newMemLocker()
			a := newFakeAdapter(channel)
			withLock := func(d *Deps) { d.Locker = shared }

			first, _ := newService(t, a, tc.first, Options{ChannelID: tc.firstChan, LockTTL: time.Minute}, withLock)
			later, _ := newService(t, a, &fakeFetcher{payload: "v44"}, Options{LockTTL: time.Minute}, withLock)

			if rep := first.Run(context.Background(), trigger); rep.State != tc.wantFirst {
				t.Fatalf("first replica state = %s, want %s", rep.State, tc.wantFirst)
			}
			// The second replica fires a few seconds late; the key is per minute.
			if rep := later.Run(context.Background(), trigger.Add(3*time.Second)); rep.State != tc.wantLater {
				t.Fatalf("second replica state = %s, want %s", rep.State, tc.wantLater)
			}
			if n := len(a.messages()); n != tc.wantMsgs {
				t.Fatalf("messages = %d, want %d", n, tc.wantMsgs)
			}
		})
	}
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}
func (heldLocker) Unlock(context.Context, string, string) error { return nil }
func (heldLocker) Close() error                                 { return nil }

func TestRunSkippedWhenTriggerLocked(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(channel)
	f := &fakeFetcher{payload: "x"}
	svc, _ := newService(t, a, f, Options{}, func(d *Deps) { d.Locker = heldLocker{} })
	rep := svc.Run(context.Background(), trigger)
	if rep.State != StateSkipped {
		t.Fatalf("state = %s, want skipped", rep.State)
	}
	if a.resolve.Load() != 0 || f.calls.Load() != 0 {
		t.Fatal("a skipped run must not touch the chat or the source")
	}
}

func TestRunRecordsHistoryAndPublishes(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeRunFinished)
	defer unsub()

	a := newFakeAdapter(channel)
	svc, _ := newService(t, a, &fakeFetcher{payload: "hello"}, Options{}, func(d *Deps) {
		d.Store = st
		d.Bus = bus
	})
	rep := svc.Run(context.Background(), trigger)

	recs, err := st.RecentRuns(context.Background(), 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("RecentRuns = %v, %v", recs, err)
	}
	if recs[0].ID != rep.ID || recs[0].State != "done" || recs[0].Sent != 1 {
		t.Fatalf("record = %+v", recs[0])
	}
	select {
	case e := <-events:
		if got, ok := e.Data.(Report); !ok || got.ID != rep.ID {
			t.Fatalf("event data = %#v", e.Data)
		}
	default:
		t.Fatal("expected run finished event")
	}
}

func TestRunPacesSends(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(channel)
	svc, _ := newService(t, a, &fakeFetcher{payload: strings.Repeat("p", 3*1994)}, Options{SendRate: 20})
	start := time.Now()
	rep := svc.Run(context.Background(), trigger)
	if !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	// Three sends at 20/s with burst 1 need at least two intervals.
	if took := time.Since(start); took < 90*time.Millisecond {
		t.Fatalf("sends not paced: took %v", took)
	}
}
