package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeMonitorCycle})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeMonitorCycle {
				t.Fatalf("subscriber %d got type %q", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeNotifySent})
	b.Publish(Event{Type: TypeNotifyFailed}) // buffer full, dropped

	if ev := <-ch; ev.Type != TypeNotifySent {
		t.Fatalf("first event = %q", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	keep, keepUnsub := b.Subscribe(1)
	defer keepUnsub()

	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Remaining subscribers are unaffected.
	b.Publish(Event{Type: TypeMonitorCycle})
	select {
	case ev := <-keep:
		if ev.Type != TypeMonitorCycle {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber got nothing")
	}
}
