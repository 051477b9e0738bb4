// Package transport defines the platform-neutral types exchanged between
// the monitoring core and a chat platform adapter.
package transport

import (
	"context"
	"errors"
)

// ErrDeliveryFailed wraps a failed notification send. Delivery failures are
// isolated per target: the dispatcher logs them and moves on.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Target is an opaque notification destination: a channel within a guild.
// The core never interprets it beyond using it as a key.
type Target struct {
	GuildID   string
	ChannelID string
}

// Key returns the identity used for storage and per-target ordering.
// Channel IDs are globally unique on Discord, so the channel alone suffices.
func (t Target) Key() string { return t.ChannelID }

func (t Target) IsZero() bool { return t.ChannelID == "" }

// Notification is a rendered, ready-to-send payload.
type Notification struct {
	Target Target
	Title  string
	Body   string
	Color  int
}

// Sink accepts rendered notifications for delivery.
// Send should honor ctx deadlines; errors are never fatal to the caller.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}
