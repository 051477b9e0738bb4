package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"trackerwatch/internal/eventbus"
	"trackerwatch/internal/monitor"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

func TestRender(t *testing.T) {
	t.Parallel()
	ev := monitor.TransitionEvent{
		Tracker: "ptp",
		Target:  transport.Target{GuildID: "g", ChannelID: "c"},
		From:    trackers.StatusOnline,
		To:      trackers.StatusOffline,
	}
	n := Render(ev)
	if n.Target != ev.Target {
		t.Fatalf("target = %+v", n.Target)
	}
	if !strings.Contains(n.Title, "PassThePopcorn") || !strings.Contains(n.Title, "OFFLINE") {
		t.Fatalf("title = %q", n.Title)
	}
	if !strings.Contains(n.Body, "ONLINE") || !strings.Contains(n.Body, "OFFLINE") {
		t.Fatalf("body = %q", n.Body)
	}
	if n.Color != colorOffline {
		t.Fatalf("color = %#x, want offline red", n.Color)
	}

	ev.From, ev.To = trackers.StatusOffline, trackers.StatusOnline
	if n := Render(ev); n.Color != colorOnline {
		t.Fatalf("color = %#x, want online green", n.Color)
	}
}

func TestRenderIncludesUpstreamMessage(t *testing.T) {
	t.Parallel()
	ev := monitor.TransitionEvent{
		Tracker: "red",
		Target:  transport.Target{GuildID: "g", ChannelID: "c"},
		From:    trackers.StatusOnline,
		To:      trackers.StatusOffline,
		Message: "tracker maintenance until 06:00 UTC",
	}
	n := Render(ev)
	if !strings.Contains(n.Body, "tracker maintenance until 06:00 UTC") {
		t.Fatalf("body missing upstream message: %q", n.Body)
	}

	ev.Message = ""
	if n := Render(ev); strings.Contains(n.Body, "Message") {
		t.Fatalf("body has message line without one: %q", n.Body)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	sent  []transport.Notification
	fail  map[string]bool // by channel ID
	gate  chan struct{}   // if set, Send blocks until closed
	delay time.Duration
}

func (s *recordingSink) Send(ctx context.Context, n transport.Notification) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[n.Target.ChannelID] {
		return errors.New("boom")
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSink) all() []transport.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

func event(tracker trackers.Code, channel string, from, to trackers.Status) monitor.TransitionEvent {
	return monitor.TransitionEvent{
		Tracker: tracker,
		Target:  transport.Target{GuildID: "g", ChannelID: channel},
		From:    from,
		To:      to,
	}
}

func TestDispatcherPreservesPerTargetOrder(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{delay: time.Millisecond}
	d := NewDispatcher(sink, nil, Config{Workers: 4, QueueSize: 32}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	const flips = 10
	for i := 0; i < flips; i++ {
		from, to := trackers.StatusOnline, trackers.StatusOffline
		if i%2 == 1 {
			from, to = to, from
		}
		d.Enqueue(event("ops", "c1", from, to))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.all()
	if len(got) != flips {
		t.Fatalf("delivered %d, want %d", len(got), flips)
	}
	for i, n := range got {
		wantState := "OFFLINE"
		if i%2 == 1 {
			wantState = "ONLINE"
		}
		if !strings.Contains(n.Title, wantState) {
			t.Fatalf("delivery %d out of order: %q", i, n.Title)
		}
	}
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{fail: map[string]bool{"bad": true}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := NewDispatcher(sink, bus, Config{Workers: 2, QueueSize: 8}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Enqueue(event("ops", "bad", trackers.StatusOnline, trackers.StatusOffline))
	d.Enqueue(event("ops", "good", trackers.StatusOnline, trackers.StatusOffline))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.all()
	if len(got) != 1 || got[0].Target.ChannelID != "good" {
		t.Fatalf("deliveries = %+v, want only the healthy channel", got)
	}

	var sent, failed int
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case "notify.sent":
				sent++
			case "notify.failed":
				failed++
			}
			if sent == 1 && failed == 1 {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("bus events: sent=%d failed=%d, want 1/1", sent, failed)
		}
	}
}

func TestDispatcherDropsAfterStop(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := NewDispatcher(sink, nil, Config{Workers: 1, QueueSize: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Must not block forever and must not deliver.
	d.Enqueue(event("ops", "late", trackers.StatusOnline, trackers.StatusOffline))
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("deliveries after stop: %+v", got)
	}
}

// Stopping while producers are still enqueueing must shut down cleanly: no
// panic from a send racing the shutdown and no enqueuer left blocked on a
// full queue whose worker has already exited.
func TestDispatcherStopRacingEnqueue(t *testing.T) {
	t.Parallel()
	for round := 0; round < 25; round++ {
		sink := &recordingSink{}
		d := NewDispatcher(sink, nil, Config{Workers: 2, QueueSize: 1}, logx.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		d.Start(ctx)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					d.Enqueue(event("ops", fmt.Sprintf("c%d", g), trackers.StatusOnline, trackers.StatusOffline))
				}
			}(g)
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.Stop(stopCtx); err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
		stopCancel()
		wg.Wait()
		cancel()
	}
}

func TestShardForIsStable(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		target := transport.Target{ChannelID: fmt.Sprintf("chan-%d", i)}
		a := shardFor(target, 4)
		b := shardFor(target, 4)
		if a != b {
			t.Fatalf("shard for %q unstable: %d vs %d", target.ChannelID, a, b)
		}
		if a < 0 || a >= 4 {
			t.Fatalf("shard out of range: %d", a)
		}
	}
}
