package storage

import (
	"context"
	"errors"
	"strings"

	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// Store is the durable subscription registry plus per-subscription
// last-observed status. All methods are safe for concurrent use and every
// mutation is committed before the call returns.
type Store interface {
	// Add registers the subscription if absent. Returns whether it was newly
	// created; adding an existing pair is a no-op.
	Add(ctx context.Context, code trackers.Code, target transport.Target) (bool, error)

	// Remove deregisters the pair if present and reports whether it existed.
	Remove(ctx context.Context, code trackers.Code, target transport.Target) (bool, error)

	List(ctx context.Context) ([]Subscription, error)
	ListTarget(ctx context.Context, target transport.Target) ([]Subscription, error)
	ListGuild(ctx context.Context, guildID string) ([]Subscription, error)
	ListTracker(ctx context.Context, code trackers.Code) ([]Subscription, error)

	// DistinctTrackers returns every tracker with at least one subscription,
	// in stable order. This drives what the poller fetches each cycle.
	DistinctTrackers(ctx context.Context) ([]trackers.Code, error)

	// LastStatus returns the status last observed for the pair.
	// ok=false means no observation has ever been recorded.
	LastStatus(ctx context.Context, code trackers.Code, target transport.Target) (st trackers.Status, ok bool, err error)

	// SetLastStatus records a new observation. Fails with ErrNotSubscribed
	// if the pair no longer exists.
	SetLastStatus(ctx context.Context, code trackers.Code, target transport.Target, st trackers.Status) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
