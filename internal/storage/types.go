package storage

import (
	"errors"
	"time"

	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
)

// ErrNotSubscribed is returned by SetLastStatus when the (tracker, target)
// pair does not exist. This happens when an update races a concurrent
// removal; callers treat it as benign and skip.
var ErrNotSubscribed = errors.New("not subscribed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file":   JSON snapshot file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription links one tracker to one notification target, together with
// the status last observed for that pair. LastStatus is nil until the first
// successful poll after the subscription was created.
type Subscription struct {
	Tracker    trackers.Code
	Target     transport.Target
	LastStatus *trackers.Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
