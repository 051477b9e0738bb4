package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"trackerwatch/internal/eventbus"
	"trackerwatch/internal/monitor"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// Config carries the dispatcher's resolved knobs.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher delivers transition notifications asynchronously.
//
// Events are sharded across workers by target, so notifications for the same
// channel always go out in the order they were enqueued while different
// channels proceed concurrently. A delivery failure is logged and published
// on the bus; it never stalls other targets and is never retried, since the
// observed status was already committed before the event reached us.
type Dispatcher struct {
	sink transport.Sink
	bus  eventbus.Bus
	log  logx.Logger

	queues []chan monitor.TransitionEvent
	wg     sync.WaitGroup

	// done signals shutdown. The queues themselves are never closed: a
	// producer may still be mid-send when Stop runs (a long poll cycle can
	// outlive the poller's stop budget), and closing under a sender panics.
	done chan struct{}

	mu          sync.RWMutex
	sendTimeout time.Duration
	runCtx      context.Context
	stopped     bool
}

func NewDispatcher(sink transport.Sink, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		sink:        sink,
		bus:         bus,
		log:         log,
		queues:      make([]chan monitor.TransitionEvent, cfg.Workers),
		done:        make(chan struct{}),
		sendTimeout: cfg.SendTimeout,
	}
	for i := range d.queues {
		d.queues[i] = make(chan monitor.TransitionEvent, cfg.QueueSize)
	}
	return d
}

// Start launches the workers. ctx bounds Enqueue blocking only; an already
// accepted event is still delivered during shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(i, q)
	}
	d.log.Info("dispatcher started", logx.Int("workers", len(d.queues)))
}

// Stop closes the intake and waits, up to ctx's deadline, for the workers to
// drain whatever was accepted before the intake closed.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.done)
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSendTimeout updates the per-delivery deadline at runtime.
func (d *Dispatcher) SetSendTimeout(t time.Duration) {
	if t <= 0 {
		return
	}
	d.mu.Lock()
	d.sendTimeout = t
	d.mu.Unlock()
}

// Enqueue hands a transition to its target's worker. If that worker's queue
// is full, Enqueue blocks until there is room or the run context ends.
func (d *Dispatcher) Enqueue(ev monitor.TransitionEvent) {
	d.mu.RLock()
	stopped := d.stopped
	ctx := d.runCtx
	d.mu.RUnlock()
	if stopped {
		d.log.Warn("notification dropped (dispatcher stopped)",
			logx.String("tracker", string(ev.Tracker)),
			logx.String("channel", ev.Target.ChannelID))
		return
	}

	q := d.queues[shardFor(ev.Target, len(d.queues))]
	if ctx == nil {
		select {
		case q <- ev:
		case <-d.done:
			d.log.Warn("notification dropped (dispatcher stopped)",
				logx.String("tracker", string(ev.Tracker)),
				logx.String("channel", ev.Target.ChannelID))
		}
		return
	}
	select {
	case q <- ev:
	case <-d.done:
		d.log.Warn("notification dropped (dispatcher stopped)",
			logx.String("tracker", string(ev.Tracker)),
			logx.String("channel", ev.Target.ChannelID))
	case <-ctx.Done():
		d.log.Warn("notification dropped (shutting down)",
			logx.String("tracker", string(ev.Tracker)),
			logx.String("channel", ev.Target.ChannelID))
	}
}

// shardFor pins a target to one worker so its notifications stay ordered.
func shardFor(t transport.Target, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Key()))
	return int(h.Sum32() % uint32(n))
}

func (d *Dispatcher) worker(id int, q <-chan monitor.TransitionEvent) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-q:
			d.deliver(id, ev)
		case <-d.done:
			// Flush what was accepted before the intake closed, then exit.
			for {
				select {
				case ev := <-q:
					d.deliver(id, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(worker int, ev monitor.TransitionEvent) {
	d.mu.RLock()
	timeout := d.sendTimeout
	d.mu.RUnlock()

	n := Render(ev)

	// Deliveries run against the background context so a shutdown still
	// flushes accepted events, bounded by the per-send timeout.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := d.sink.Send(ctx, n)
	cancel()

	if err != nil {
		if !errors.Is(err, transport.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %v", transport.ErrDeliveryFailed, err)
		}
		d.log.Warn("notification delivery failed",
			logx.String("tracker", string(ev.Tracker)),
			logx.String("channel", ev.Target.ChannelID),
			logx.Int("worker", worker),
			logx.Err(err))
		d.publish(eventbus.TypeNotifyFailed, ev)
		return
	}

	d.log.Debug("notification sent",
		logx.String("tracker", string(ev.Tracker)),
		logx.String("channel", ev.Target.ChannelID),
		logx.String("to", ev.To.String()))
	d.publish(eventbus.TypeNotifySent, ev)
}

func (d *Dispatcher) publish(typ string, ev monitor.TransitionEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
