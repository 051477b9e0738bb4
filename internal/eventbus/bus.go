// Package eventbus provides a tiny in-memory fanout bus used to decouple
// the monitoring engine from operational consumers (health snapshot, logs).
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeMonitorCycle = "monitor.cycle" // Data: monitor.CycleStats
	TypeNotifySent   = "notify.sent"   // Data: monitor.TransitionEvent
	TypeNotifyFailed = "notify.failed" // Data: monitor.TransitionEvent
)

// Event is a lightweight, in-memory signal. Publish never blocks; a
// subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// Publish sends under the read lock. Unsubscribe closes under the write
// lock, so a send can never race a close.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(s) })
	}
}

func (b *memBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			last := len(b.subs) - 1
			b.subs[i] = b.subs[last]
			b.subs[last] = nil
			b.subs = b.subs[:last]
			close(s.ch)
			return
		}
	}
}
