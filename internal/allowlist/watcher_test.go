package allowlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLoader struct {
	mu         sync.Mutex
	version    string
	versionErr error
	loadErr    error
	hosts      []string
	loads      int
}

func (f *fakeLoader) set(version string, hosts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version, f.hosts = version, hosts
}

func (f *fakeLoader) Version(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.versionErr
}

func (f *fakeLoader) Load(context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	l := NewLoader(NewStaticSource(f.hosts, nil), nil)
	return l.Build(&Document{Hosts: f.hosts, Version: f.version})
}

type spyWatcherMetrics struct {
	mu     sync.Mutex
	polls  int
	swaps  int
	errors map[string]int
	stale  bool
}

func (s *spyWatcherMetrics) IncAllowlistPolls() { s.mu.Lock(); s.polls++; s.mu.Unlock() }
func (s *spyWatcherMetrics) IncAllowlistSwaps() { s.mu.Lock(); s.swaps++; s.mu.Unlock() }
func (s *spyWatcherMetrics) IncAllowlistError(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errors == nil {
		s.errors = map[string]int{}
	}
	s.errors[stage]++
}
func (s *spyWatcherMetrics) ObserveAllowlistLoadDuration(float64) {}
func (s *spyWatcherMetrics) SetAllowlistLastSuccess(float64)      {}
func (s *spyWatcherMetrics) SetAllowlistStale(stale bool) {
	s.mu.Lock()
	s.stale = stale
	s.mu.Unlock()
}

func newTestWatcher(t *testing.T, fl *fakeLoader, m *Manager, opts WatcherOptions) (*Watcher, *spyWatcherMetrics) {
	t.Helper()
	spy := &spyWatcherMetrics{}
	opts.Loader = fl
	opts.Manager = m
	opts.Metrics = spy
	return NewWatcher(&opts), spy
}

func TestWatcher_SwapsOnVersionChange(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Set(mustSnapshot(t, "v1", "example.com"))
	fl := &fakeLoader{}
	fl.set("v1", "example.com")

	var swapped *Snapshot
	w, spy := newTestWatcher(t, fl, m, WatcherOptions{OnSwap: func(s *Snapshot) { swapped = s }})

	if got := w.checkOnce(context.Background()); got != pollNoChange {
		t.Fatalf("result = %v, want no change", got)
	}
	if fl.loads != 0 {
		t.Fatal("loaded without a version change")
	}

	fl.set("v2", "other.org")
	if got := w.checkOnce(context.Background()); got != pollSwapped {
		t.Fatalf("result = %v, want swapped", got)
	}
	if m.Version() != "v2" || !m.IsAllowed("http://other.org/") {
		t.Fatal("manager not updated")
	}
	if swapped == nil || swapped.Version != "v2" {
		t.Fatal("OnSwap not called with new snapshot")
	}
	if spy.polls != 2 || spy.swaps != 1 {
		t.Fatalf("metrics = %+v", spy)
	}
}

func TestWatcher_KeepsCurrentOnLoadFailure(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Set(mustSnapshot(t, "v1", "example.com"))
	fl := &fakeLoader{loadErr: errors.New("bad document")}
	fl.set("v2", "other.org")

	w, spy := newTestWatcher(t, fl, m, WatcherOptions{})
	if got := w.checkOnce(context.Background()); got != pollLoadError {
		t.Fatalf("result = %v", got)
	}
	if m.Version() != "v1" || !m.IsAllowed("http://example.com/") {
		t.Fatal("active list replaced after failed load")
	}
	if spy.errors["load"] != 1 {
		t.Fatalf("errors = %v", spy.errors)
	}

	// a bad entry is a load failure too
	fl.loadErr = nil
	fl.set("v3", "./")
	if got := w.checkOnce(context.Background()); got != pollLoadError {
		t.Fatalf("result = %v", got)
	}
	if m.Version() != "v1" {
		t.Fatal("invalid list swapped in")
	}
}

func TestWatcher_VersionErrorBacksOffAndGoesStale(t *testing.T) {
	t.Parallel()

	m := NewManager()
	fl := &fakeLoader{versionErr: errors.New("unreachable")}
	w, spy := newTestWatcher(t, fl, m, WatcherOptions{PollInterval: time.Second, StaleThreshold: time.Nanosecond})
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	w.afterPoll(context.Background(), ticker, w.checkOnce(context.Background()))
	w.afterPoll(context.Background(), ticker, w.checkOnce(context.Background()))
	if w.consecutiveErrs != 2 {
		t.Fatalf("consecutiveErrs = %d", w.consecutiveErrs)
	}
	if !spy.stale {
		t.Fatal("not marked stale")
	}

	fl.mu.Lock()
	fl.versionErr = nil
	fl.mu.Unlock()
	fl.set("v1", "example.com")
	w.afterPoll(context.Background(), ticker, w.checkOnce(context.Background()))
	if w.consecutiveErrs != 0 || spy.stale {
		t.Fatalf("did not recover: errs=%d stale=%v", w.consecutiveErrs, spy.stale)
	}
	if m.Version() != "v1" {
		t.Fatal("first good poll did not load")
	}
}

func TestWatcher_BackoffDuration(t *testing.T) {
	t.Parallel()

	w := &Watcher{interval: 30 * time.Second}
	cases := map[int]time.Duration{
		0:  30 * time.Second,
		1:  time.Minute,
		2:  2 * time.Minute,
		3:  4 * time.Minute,
		4:  maxBackoff,
		20: maxBackoff,
	}
	for errs, want := range cases {
		w.consecutiveErrs = errs
		if got := w.backoffDuration(); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", errs, got, want)
		}
	}
}

func TestWatcher_OnSwapPanicRecovered(t *testing.T) {
	t.Parallel()

	m := NewManager()
	fl := &fakeLoader{}
	fl.set("v1", "example.com")
	w, _ := newTestWatcher(t, fl, m, WatcherOptions{OnSwap: func(*Snapshot) { panic("boom") }})

	if got := w.checkOnce(context.Background()); got != pollSwapped {
		t.Fatalf("result = %v", got)
	}
	if m.Version() != "v1" {
		t.Fatal("swap lost after OnSwap panic")
	}
}

func TestWatcher_RunReactsToEvents(t *testing.T) {
	t.Parallel()

	m := NewManager()
	fl := &fakeLoader{}
	fl.set("v1", "example.com")

	events := make(chan struct{}, 1)
	swaps := make(chan string, 4)
	w, _ := newTestWatcher(t, fl, m, WatcherOptions{
		PollInterval: time.Hour,
		Events:       events,
		OnSwap:       func(s *Snapshot) { swaps <- s.Version },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	events <- struct{}{}
	select {
	case v := <-swaps:
		if v != "v1" {
			t.Fatalf("swapped %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event did not trigger a reload")
	}

	close(events)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
