package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"trackerwatch/internal/eventbus"
	"trackerwatch/internal/provider"
	"trackerwatch/internal/ratelimit"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	logx "trackerwatch/pkg/logx"
)

// ErrCycleInFlight is returned by TriggerNow when a poll cycle is already
// running. At most one cycle runs at a time; overlapping triggers are
// rejected rather than queued.
var ErrCycleInFlight = errors.New("poll cycle already in flight")

// Dispatcher accepts detected transitions for asynchronous delivery.
type Dispatcher interface {
	Enqueue(ev TransitionEvent)
}

// CycleStats summarizes one completed poll cycle. A copy of the latest one
// is kept for status queries and published on the bus as a cycle event.
type CycleStats struct {
	Started     time.Time
	Duration    time.Duration
	Trackers    int
	Fetched     int
	Failed      int
	Transitions int

	// Statuses holds the reading for every tracker fetched successfully
	// this cycle. Failed trackers are absent, never reported as offline.
	Statuses map[trackers.Code]trackers.Status
}

// Config carries the poller's resolved timing knobs.
type Config struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
}

// Poller runs the periodic monitoring cycle.
type Poller struct {
	store    storage.Store
	provider provider.StatusProvider
	limiter  *ratelimit.Limiter
	detector *Detector
	dispatch Dispatcher
	bus      eventbus.Bus
	log      logx.Logger

	mu           sync.Mutex
	interval     time.Duration
	fetchTimeout time.Duration
	cron         *cron.Cron
	entry        cron.EntryID
	runCtx       context.Context

	inFlight atomic.Bool

	lastMu sync.RWMutex
	last   *CycleStats
}

func NewPoller(store storage.Store, prov provider.StatusProvider, lim *ratelimit.Limiter, det *Detector, disp Dispatcher, bus eventbus.Bus, cfg Config, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Poller{
		store:        store,
		provider:     prov,
		limiter:      lim,
		detector:     det,
		dispatch:     disp,
		bus:          bus,
		log:          log,
		interval:     cfg.PollInterval,
		fetchTimeout: cfg.FetchTimeout,
	}
}

// Start begins the schedule: one cycle immediately, then one per interval.
// ctx bounds all cycles; cancelling it stops in-progress work after the
// current tracker unit.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("poller already started")
	}
	p.runCtx = ctx

	c := cron.New()
	id, err := c.AddFunc(scheduleSpec(p.interval), p.scheduledRun)
	if err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	p.cron = c
	p.entry = id
	c.Start()

	p.log.Info("poller started", logx.Duration("interval", p.interval))
	go p.scheduledRun()
	return nil
}

// Stop halts the schedule and waits for any running cycle to finish, up to
// ctx's deadline.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	// The immediate startup run is not a cron job; wait for it too.
	for p.inFlight.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.log.Info("poller stopped")
	return nil
}

// TriggerNow runs a cycle synchronously. It fails with ErrCycleInFlight if
// one is already running.
func (p *Poller) TriggerNow(ctx context.Context) (CycleStats, error) {
	return p.runCycle(ctx)
}

// SetInterval reschedules the periodic cycle at runtime.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == p.interval {
		return
	}
	p.interval = d
	if p.cron == nil {
		return
	}
	p.cron.Remove(p.entry)
	id, err := p.cron.AddFunc(scheduleSpec(d), p.scheduledRun)
	if err != nil {
		p.log.Error("reschedule failed", logx.Err(err))
		return
	}
	p.entry = id
	p.log.Info("poll interval updated", logx.Duration("interval", d))
}

// SetFetchTimeout updates the per-fetch deadline at runtime.
func (p *Poller) SetFetchTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.fetchTimeout = d
	p.mu.Unlock()
}

// Snapshot returns a copy of the latest completed cycle's stats, or ok=false
// if no cycle has completed yet.
func (p *Poller) Snapshot() (CycleStats, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.last == nil {
		return CycleStats{}, false
	}
	out := *p.last
	out.Statuses = make(map[trackers.Code]trackers.Status, len(p.last.Statuses))
	for k, v := range p.last.Statuses {
		out.Statuses[k] = v
	}
	return out, true
}

func scheduleSpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func (p *Poller) scheduledRun() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := p.runCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) && !errors.Is(err, context.Canceled) {
		p.log.Warn("poll cycle failed", logx.Err(err))
	}
}

func (p *Poller) runCycle(ctx context.Context) (CycleStats, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return CycleStats{}, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)

	stats := CycleStats{
		Started:  time.Now(),
		Statuses: make(map[trackers.Code]trackers.Status),
	}

	codes, err := p.store.DistinctTrackers(ctx)
	if err != nil {
		return stats, fmt.Errorf("list subscribed trackers: %w", err)
	}
	stats.Trackers = len(codes)

	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		if err := p.limiter.Acquire(ctx); err != nil {
			break
		}

		obs, err := p.fetchOne(ctx, code)
		if err != nil {
			stats.Failed++
			// A fetch failure says nothing about the tracker being
			// offline: skip it, keep stored state untouched.
			if errors.Is(err, provider.ErrUnknownTracker) {
				p.log.Warn("subscribed tracker unknown upstream", logx.String("tracker", string(code)))
			} else {
				p.log.Warn("status fetch failed", logx.String("tracker", string(code)), logx.Err(err))
			}
			continue
		}
		stats.Fetched++
		stats.Statuses[code] = obs.Status

		subs, err := p.store.ListTracker(ctx, code)
		if err != nil {
			p.log.Error("list subscriptions failed", logx.String("tracker", string(code)), logx.Err(err))
			continue
		}
		for _, sub := range subs {
			ev, notify, err := p.detector.Observe(ctx, code, sub.Target, obs.Status)
			if err != nil {
				p.log.Error("transition check failed",
					logx.String("tracker", string(code)),
					logx.String("channel", sub.Target.ChannelID),
					logx.Err(err))
				continue
			}
			if notify {
				ev.Message = obs.Message
				stats.Transitions++
				p.dispatch.Enqueue(ev)
			}
		}
	}

	stats.Duration = time.Since(stats.Started)

	p.lastMu.Lock()
	saved := stats
	p.last = &saved
	p.lastMu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorCycle, Data: stats})
	}
	p.log.Debug("poll cycle complete",
		logx.Int("trackers", stats.Trackers),
		logx.Int("fetched", stats.Fetched),
		logx.Int("failed", stats.Failed),
		logx.Int("transitions", stats.Transitions),
		logx.Duration("took", stats.Duration))

	return stats, ctx.Err()
}

func (p *Poller) fetchOne(ctx context.Context, code trackers.Code) (provider.Observation, error) {
	p.mu.Lock()
	timeout := p.fetchTimeout
	p.mu.Unlock()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.provider.Fetch(fctx, code)
}
