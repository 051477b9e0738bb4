// Package monitor implements the polling engine: it fetches tracker
// statuses under the shared rate budget, detects per-subscription
// transitions, and hands notifiable changes to the dispatcher.
package monitor

import (
	"context"
	"errors"
	"time"

	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// TransitionEvent is one notifiable status change for one subscription.
// Message carries the status service's free-form note for the new reading,
// when it sent one; the poller fills it in after the transition is detected.
type TransitionEvent struct {
	Tracker trackers.Code
	Target  transport.Target
	From    trackers.Status
	To      trackers.Status
	Message string
	At      time.Time
}

// Detector applies the transition rule against the stored last status.
//
// A change is notifiable only when both the previous and the new status are
// notifiable (online/offline) and they differ. Unstable readings update the
// stored status but never notify, and the first observation of a new
// subscription sets its baseline silently.
type Detector struct {
	store storage.Store
	log   logx.Logger
}

func NewDetector(store storage.Store, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{store: store, log: log}
}

// Observe records st for the subscription and reports whether a notification
// is due. The status write commits before the caller dispatches anything, so
// a crash between the two can only lose a notification, never duplicate one.
//
// A subscription removed mid-cycle is not an error: both the read and the
// write treat storage.ErrNotSubscribed as a silent skip.
func (d *Detector) Observe(ctx context.Context, code trackers.Code, target transport.Target, st trackers.Status) (TransitionEvent, bool, error) {
	prev, seen, err := d.store.LastStatus(ctx, code, target)
	if err != nil {
		if errors.Is(err, storage.ErrNotSubscribed) {
			return TransitionEvent{}, false, nil
		}
		return TransitionEvent{}, false, err
	}

	notify := seen && prev != st && prev.Notifiable() && st.Notifiable()

	if err := d.store.SetLastStatus(ctx, code, target, st); err != nil {
		if errors.Is(err, storage.ErrNotSubscribed) {
			return TransitionEvent{}, false, nil
		}
		return TransitionEvent{}, false, err
	}
	if !notify {
		return TransitionEvent{}, false, nil
	}

	d.log.Debug("status transition",
		logx.String("tracker", string(code)),
		logx.String("channel", target.ChannelID),
		logx.String("from", prev.String()),
		logx.String("to", st.String()))

	return TransitionEvent{
		Tracker: code,
		Target:  target,
		From:    prev,
		To:      st,
		At:      time.Now(),
	}, true, nil
}
