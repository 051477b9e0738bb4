package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trackerwatch/internal/eventbus"
	"trackerwatch/internal/provider"
	"trackerwatch/internal/ratelimit"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "subs.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustAdd(t *testing.T, st storage.Store, code trackers.Code, target transport.Target) {
	t.Helper()
	if _, err := st.Add(context.Background(), code, target); err != nil {
		t.Fatalf("adding subscription: %v", err)
	}
}

type fakeProvider struct {
	mu       sync.Mutex
	statuses map[trackers.Code]trackers.Status
	messages map[trackers.Code]string
	errs     map[trackers.Code]error
	calls    map[trackers.Code]int
	block    chan struct{}
}

func (f *fakeProvider) set(code trackers.Code, st trackers.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[trackers.Code]trackers.Status{}
	}
	f.statuses[code] = st
}

func (f *fakeProvider) note(code trackers.Code, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[trackers.Code]string{}
	}
	f.messages[code] = msg
}

func (f *fakeProvider) fail(code trackers.Code, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = map[trackers.Code]error{}
	}
	f.errs[code] = err
}

func (f *fakeProvider) clearFailures() {
	f.mu.Lock()
	f.errs = nil
	f.mu.Unlock()
}

func (f *fakeProvider) Fetch(ctx context.Context, code trackers.Code) (provider.Observation, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return provider.Observation{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[trackers.Code]int{}
	}
	f.calls[code]++
	if err, ok := f.errs[code]; ok {
		return provider.Observation{}, err
	}
	st, ok := f.statuses[code]
	if !ok {
		return provider.Observation{}, provider.ErrUnknownTracker
	}
	return provider.Observation{Status: st, Message: f.messages[code]}, nil
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (c *captureDispatcher) Enqueue(ev TransitionEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureDispatcher) all() []TransitionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TransitionEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestDetectorTransitionRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := transport.Target{GuildID: "g", ChannelID: "c1"}

	cases := []struct {
		name   string
		seq    []trackers.Status
		notify []bool
	}{
		{
			name:   "baseline then flap",
			seq:    []trackers.Status{trackers.StatusOnline, trackers.StatusOffline, trackers.StatusOnline},
			notify: []bool{false, true, true},
		},
		{
			name:   "steady online",
			seq:    []trackers.Status{trackers.StatusOnline, trackers.StatusOnline, trackers.StatusOnline},
			notify: []bool{false, false, false},
		},
		{
			name:   "unstable dip stays silent",
			seq:    []trackers.Status{trackers.StatusOnline, trackers.StatusUnstable, trackers.StatusOnline},
			notify: []bool{false, false, false},
		},
		{
			name:   "offline via unstable stays silent",
			seq:    []trackers.Status{trackers.StatusOnline, trackers.StatusUnstable, trackers.StatusOffline},
			notify: []bool{false, false, false},
		},
		{
			name:   "first observation offline is silent",
			seq:    []trackers.Status{trackers.StatusOffline, trackers.StatusOnline},
			notify: []bool{false, true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newStore(t)
			mustAdd(t, st, "ops", target)
			det := NewDetector(st, logx.Nop())

			for i, s := range tc.seq {
				ev, notify, err := det.Observe(ctx, "ops", target, s)
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if notify != tc.notify[i] {
					t.Fatalf("step %d: notify = %v, want %v", i, notify, tc.notify[i])
				}
				if notify && (ev.To != s || ev.Tracker != "ops") {
					t.Fatalf("step %d: unexpected event %+v", i, ev)
				}
				got, ok, err := st.LastStatus(ctx, "ops", target)
				if err != nil || !ok || got != s {
					t.Fatalf("step %d: stored status = %v/%v/%v, want %v", i, got, ok, err, s)
				}
			}
		})
	}
}

func TestDetectorSkipsRemovedSubscription(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	det := NewDetector(st, logx.Nop())

	// Never subscribed: both the read and the write must treat this as a
	// benign race with removal.
	_, notify, err := det.Observe(context.Background(), "red", transport.Target{ChannelID: "gone"}, trackers.StatusOnline)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if notify {
		t.Fatal("removed subscription must not notify")
	}
}

func newPoller(t *testing.T, st storage.Store, prov *fakeProvider, disp Dispatcher, bus eventbus.Bus) *Poller {
	t.Helper()
	det := NewDetector(st, logx.Nop())
	lim := ratelimit.New(time.Millisecond)
	return NewPoller(st, prov, lim, det, disp, bus, Config{
		PollInterval: time.Hour,
		FetchTimeout: time.Second,
	}, logx.Nop())
}

func TestCycleNotifiesEveryTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	t1 := transport.Target{GuildID: "g", ChannelID: "c1"}
	t2 := transport.Target{GuildID: "g", ChannelID: "c2"}
	mustAdd(t, st, "btn", t1)
	mustAdd(t, st, "btn", t2)

	prov := &fakeProvider{}
	prov.set("btn", trackers.StatusOnline)
	disp := &captureDispatcher{}
	p := newPoller(t, st, prov, disp, nil)

	if _, err := p.TriggerNow(ctx); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	if got := disp.all(); len(got) != 0 {
		t.Fatalf("baseline cycle dispatched %d events, want 0", len(got))
	}

	prov.set("btn", trackers.StatusOffline)
	prov.note("btn", "tracker is down for maintenance")
	stats, err := p.TriggerNow(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Transitions != 2 || stats.Fetched != 1 {
		t.Fatalf("stats = %+v, want 2 transitions from 1 fetch", stats)
	}
	got := disp.all()
	if len(got) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(got))
	}
	for _, ev := range got {
		if ev.From != trackers.StatusOnline || ev.To != trackers.StatusOffline {
			t.Fatalf("unexpected transition %+v", ev)
		}
		if ev.Message != "tracker is down for maintenance" {
			t.Fatalf("event message = %q, want provider note carried through", ev.Message)
		}
	}
	if prov.calls["btn"] != 2 {
		t.Fatalf("tracker fetched %d times, want once per cycle", prov.calls["btn"])
	}
}

func TestFlapThroughUnstableStaysSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	t1 := transport.Target{GuildID: "g", ChannelID: "c1"}
	t2 := transport.Target{GuildID: "g", ChannelID: "c2"}
	mustAdd(t, st, "ops", t1)
	mustAdd(t, st, "ops", t2)

	prov := &fakeProvider{}
	disp := &captureDispatcher{}
	p := newPoller(t, st, prov, disp, nil)

	cycle := func(s trackers.Status) {
		t.Helper()
		prov.set("ops", s)
		if _, err := p.TriggerNow(ctx); err != nil {
			t.Fatalf("cycle at %v: %v", s, err)
		}
	}

	cycle(trackers.StatusOnline)  // baseline, silent
	cycle(trackers.StatusOffline) // one notification per target
	if got := disp.all(); len(got) != 2 {
		t.Fatalf("after going offline: %d events, want 2", len(got))
	}
	cycle(trackers.StatusUnstable) // tracked, never alerted
	cycle(trackers.StatusOnline)   // previous was unstable: still silent
	if got := disp.all(); len(got) != 2 {
		t.Fatalf("after recovering via unstable: %d events, want still 2", len(got))
	}

	// State tracked observation-by-observation the whole way.
	for _, target := range []transport.Target{t1, t2} {
		got, ok, err := st.LastStatus(ctx, "ops", target)
		if err != nil || !ok || got != trackers.StatusOnline {
			t.Fatalf("stored status for %s = %v/%v/%v, want online", target.ChannelID, got, ok, err)
		}
	}
}

func TestCycleSkipsFailedFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	target := transport.Target{GuildID: "g", ChannelID: "c1"}
	mustAdd(t, st, "ptp", target)
	mustAdd(t, st, "red", target)

	prov := &fakeProvider{}
	prov.set("ptp", trackers.StatusOnline)
	prov.set("red", trackers.StatusOnline)
	disp := &captureDispatcher{}
	p := newPoller(t, st, prov, disp, nil)

	if _, err := p.TriggerNow(ctx); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}

	prov.fail("ptp", provider.ErrUnavailable)
	prov.set("red", trackers.StatusOffline)
	stats, err := p.TriggerNow(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Failed != 1 || stats.Fetched != 1 || stats.Transitions != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// The failed tracker keeps its stored baseline.
	got, ok, err := st.LastStatus(ctx, "ptp", target)
	if err != nil || !ok || got != trackers.StatusOnline {
		t.Fatalf("ptp stored status = %v/%v/%v, want online untouched", got, ok, err)
	}

	// Once it recovers, a real change still fires from the old baseline.
	prov.clearFailures()
	prov.set("ptp", trackers.StatusOffline)
	if _, err := p.TriggerNow(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	events := disp.all()
	var sawPTP bool
	for _, ev := range events {
		if ev.Tracker == "ptp" && ev.From == trackers.StatusOnline && ev.To == trackers.StatusOffline {
			sawPTP = true
		}
	}
	if !sawPTP {
		t.Fatalf("expected ptp online->offline after recovery, got %+v", events)
	}
}

func TestTriggerNowRejectsOverlap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	mustAdd(t, st, "ggn", transport.Target{GuildID: "g", ChannelID: "c1"})

	prov := &fakeProvider{block: make(chan struct{})}
	prov.set("ggn", trackers.StatusOnline)
	disp := &captureDispatcher{}
	p := newPoller(t, st, prov, disp, nil)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := p.TriggerNow(ctx)
		done <- err
	}()
	<-started
	// Wait until the first cycle is actually inside the provider call.
	deadline := time.Now().Add(2 * time.Second)
	for !p.inFlight.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := p.TriggerNow(ctx); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("overlapping trigger = %v, want ErrCycleInFlight", err)
	}

	close(prov.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestCyclePublishesStatsAndSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	mustAdd(t, st, "ant", transport.Target{GuildID: "g", ChannelID: "c1"})

	prov := &fakeProvider{}
	prov.set("ant", trackers.StatusUnstable)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	p := newPoller(t, st, prov, &captureDispatcher{}, bus)
	if _, ok := p.Snapshot(); ok {
		t.Fatal("snapshot before any cycle should report ok=false")
	}

	if _, err := p.TriggerNow(ctx); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	snap, ok := p.Snapshot()
	if !ok || snap.Fetched != 1 || snap.Statuses["ant"] != trackers.StatusUnstable {
		t.Fatalf("snapshot = %+v/%v", snap, ok)
	}

	select {
	case ev := <-events:
		if ev.Type != "monitor.cycle" {
			t.Fatalf("event type = %q", ev.Type)
		}
		stats, ok := ev.Data.(CycleStats)
		if !ok || stats.Fetched != 1 {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle event published")
	}
}
