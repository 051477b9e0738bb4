// Package notifier turns detected status transitions into chat
// notifications and delivers them through a transport sink.
package notifier

import (
	"fmt"
	"strings"

	"trackerwatch/internal/monitor"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
)

// Embed colors matching the announced state.
const (
	colorOnline  = 0x2ECC71
	colorOffline = 0xE74C3C
)

func statusEmoji(st trackers.Status) string {
	switch st {
	case trackers.StatusOnline:
		return "\U0001F7E2" // green circle
	case trackers.StatusUnstable:
		return "\U0001F7E1" // yellow circle
	default:
		return "\U0001F534" // red circle
	}
}

// Render builds the notification for one transition. The title carries the
// tracker's display name and the new state; the body names the old one and
// echoes the status service's message line when it sent one.
func Render(ev monitor.TransitionEvent) transport.Notification {
	name := ev.Tracker.DisplayName()
	color := colorOffline
	if ev.To == trackers.StatusOnline {
		color = colorOnline
	}
	body := fmt.Sprintf("%s changed from %s to %s.", name, strings.ToUpper(ev.From.String()), strings.ToUpper(ev.To.String()))
	if msg := strings.TrimSpace(ev.Message); msg != "" {
		body += fmt.Sprintf("\n**Message:** %s", msg)
	}
	return transport.Notification{
		Target: ev.Target,
		Title:  fmt.Sprintf("%s %s is %s", statusEmoji(ev.To), name, strings.ToUpper(ev.To.String())),
		Body:   body,
		Color:  color,
	}
}
