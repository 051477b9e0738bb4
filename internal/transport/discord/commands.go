package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"trackerwatch/internal/monitor"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// Store calls run well inside the 3s interaction deadline; refresh cycles
// are answered with a deferred response instead.
const handlerTimeout = 2 * time.Second

func commandDefinitions() []*discordgo.ApplicationCommand {
	subscribeOptions := func(channelDesc string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Name:        "tracker",
				Description: "Tracker code (see /trackeravailable)",
				Type:        discordgo.ApplicationCommandOptionString,
				Required:    true,
			},
			{
				Name:        "channel",
				Description: channelDesc,
				Type:        discordgo.ApplicationCommandOptionChannel,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
					discordgo.ChannelTypeGuildNews,
				},
			},
		}
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        "trackeradd",
			Description: "Subscribe a channel to a tracker's status changes",
			Options:     subscribeOptions("Channel to send alerts to (defaults to this one)"),
		},
		{
			Name:        "trackerremove",
			Description: "Unsubscribe a channel from a tracker",
			Options:     subscribeOptions("Channel to stop monitoring in (defaults to this one)"),
		},
		{
			Name:        "trackerlist",
			Description: "List this channel's tracker subscriptions",
		},
		{
			Name:        "trackeravailable",
			Description: "List the trackers that can be monitored",
		},
		{
			Name:        "trackerstatus",
			Description: "Show the last known status of this server's trackers",
		},
		{
			Name:        "trackerrefresh",
			Description: "Run a poll cycle now instead of waiting for the schedule",
		},
	}
}

// adminOnly lists the commands that mutate state or hit the upstream API.
func adminOnly(name string) bool {
	switch name {
	case "trackeradd", "trackerremove", "trackerrefresh":
		return true
	}
	return false
}

func (b *Bot) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		// Guild channels only; DMs have no subscription target.
		return
	}
	if g := strings.TrimSpace(b.cfg.GuildID); g != "" && i.GuildID != g {
		return
	}

	data := i.ApplicationCommandData()
	if adminOnly(data.Name) && i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		b.respond(s, i, "You need the Manage Server permission for that.")
		return
	}

	target := commandTarget(i, data)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch data.Name {
	case "trackeradd":
		b.respond(s, i, b.handleAdd(ctx, target, optionValue(data, "tracker")))
	case "trackerremove":
		b.respond(s, i, b.handleRemove(ctx, target, optionValue(data, "tracker")))
	case "trackerlist":
		b.respond(s, i, b.handleList(ctx, target))
	case "trackeravailable":
		b.respond(s, i, formatAvailable())
	case "trackerstatus":
		b.respond(s, i, b.handleStatus(ctx, i.GuildID))
	case "trackerrefresh":
		if b.refresh == nil {
			b.respond(s, i, "The monitor isn't running yet.")
			return
		}
		b.handleRefresh(s, i)
	}
}

func optionValue(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return strings.TrimSpace(opt.StringValue())
		}
	}
	return ""
}

// commandTarget resolves the channel a subscription command acts on: the
// channel option when given, otherwise the channel it was invoked in.
func commandTarget(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) transport.Target {
	target := transport.Target{GuildID: i.GuildID, ChannelID: i.ChannelID}
	for _, opt := range data.Options {
		if opt.Name == "channel" && opt.Type == discordgo.ApplicationCommandOptionChannel {
			if ch := opt.ChannelValue(nil); ch != nil && ch.ID != "" {
				target.ChannelID = ch.ID
			}
		}
	}
	return target
}

func (b *Bot) handleAdd(ctx context.Context, target transport.Target, raw string) string {
	code, err := trackers.Parse(raw)
	if err != nil {
		return unknownTrackerReply(raw)
	}
	created, err := b.store.Add(ctx, code, target)
	if err != nil {
		b.log.Error("subscription add failed", logx.String("tracker", string(code)), logx.Err(err))
		return "Something went wrong saving the subscription."
	}
	name := code.DisplayName()
	if !created {
		return fmt.Sprintf("<#%s> is already watching %s.", target.ChannelID, name)
	}
	return fmt.Sprintf("Now watching %s. Alerts go to <#%s> when it goes offline or comes back.", name, target.ChannelID)
}

func (b *Bot) handleRemove(ctx context.Context, target transport.Target, raw string) string {
	code, err := trackers.Parse(raw)
	if err != nil {
		return unknownTrackerReply(raw)
	}
	removed, err := b.store.Remove(ctx, code, target)
	if err != nil {
		b.log.Error("subscription remove failed", logx.String("tracker", string(code)), logx.Err(err))
		return "Something went wrong removing the subscription."
	}
	name := code.DisplayName()
	if !removed {
		return fmt.Sprintf("<#%s> isn't watching %s.", target.ChannelID, name)
	}
	return fmt.Sprintf("Stopped watching %s in <#%s>.", name, target.ChannelID)
}

func (b *Bot) handleList(ctx context.Context, target transport.Target) string {
	subs, err := b.store.ListTarget(ctx, target)
	if err != nil {
		b.log.Error("subscription list failed", logx.Err(err))
		return "Something went wrong reading the subscriptions."
	}
	return formatSubscriptionList(subs)
}

// handleStatus answers from stored state only; it never triggers a fetch.
func (b *Bot) handleStatus(ctx context.Context, guildID string) string {
	subs, err := b.store.ListGuild(ctx, guildID)
	if err != nil {
		b.log.Error("guild status read failed", logx.Err(err))
		return "Something went wrong reading the subscriptions."
	}
	var snap monitor.CycleStats
	var ok bool
	if b.refresh != nil {
		snap, ok = b.refresh.Snapshot()
	}
	return formatGuildStatus(subs, snap, ok)
}

func (b *Bot) handleRefresh(s *discordgo.Session, i *discordgo.InteractionCreate) {
	// A full cycle waits on the shared rate budget, so acknowledge first and
	// follow up when it finishes.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.log.Warn("interaction ack failed", logx.Err(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		stats, err := b.refresh.TriggerNow(ctx)
		msg := formatCycleResult(stats, err)
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		}); err != nil {
			b.log.Warn("refresh followup failed", logx.Err(err))
		}
	}()
}

func (b *Bot) respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.log.Warn("interaction respond failed", logx.Err(err))
	}
}

func unknownTrackerReply(raw string) string {
	return fmt.Sprintf("Unknown tracker %q. Use /trackeravailable to see the supported codes.", raw)
}

func statusGlyph(st trackers.Status) string {
	switch st {
	case trackers.StatusOnline:
		return "\U0001F7E2"
	case trackers.StatusUnstable:
		return "\U0001F7E1"
	default:
		return "\U0001F534"
	}
}

func formatAvailable() string {
	var sb strings.Builder
	sb.WriteString("Available trackers:\n")
	for _, code := range trackers.All() {
		fmt.Fprintf(&sb, "`%s` — %s\n", code, code.DisplayName())
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatSubscriptionList(subs []storage.Subscription) string {
	if len(subs) == 0 {
		return "This channel has no tracker subscriptions. Add one with /trackeradd."
	}
	sort.Slice(subs, func(a, b int) bool { return subs[a].Tracker < subs[b].Tracker })
	var sb strings.Builder
	sb.WriteString("Watching:\n")
	for _, sub := range subs {
		last := "no observation yet"
		if sub.LastStatus != nil {
			last = fmt.Sprintf("%s %s", statusGlyph(*sub.LastStatus), sub.LastStatus.String())
		}
		fmt.Fprintf(&sb, "`%s` — %s (%s)\n", sub.Tracker, sub.Tracker.DisplayName(), last)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatGuildStatus lists every subscription in the guild with its stored
// last-known status. The closing cycle line is a freshness hint only.
func formatGuildStatus(subs []storage.Subscription, stats monitor.CycleStats, haveCycle bool) string {
	if len(subs) == 0 {
		return "This server has no tracker subscriptions. Add one with /trackeradd."
	}
	sort.Slice(subs, func(a, b int) bool {
		if subs[a].Tracker != subs[b].Tracker {
			return subs[a].Tracker < subs[b].Tracker
		}
		return subs[a].Target.ChannelID < subs[b].Target.ChannelID
	})
	var sb strings.Builder
	sb.WriteString("Tracker status:\n")
	for _, sub := range subs {
		last := "no observation yet"
		if sub.LastStatus != nil {
			last = fmt.Sprintf("%s %s", statusGlyph(*sub.LastStatus), sub.LastStatus.String())
		}
		fmt.Fprintf(&sb, "`%s` — %s: %s (<#%s>)\n", sub.Tracker, sub.Tracker.DisplayName(), last, sub.Target.ChannelID)
	}
	if haveCycle {
		fmt.Fprintf(&sb, "Last poll %s ago (%d fetched, %d failed).",
			time.Since(stats.Started).Round(time.Second), stats.Fetched, stats.Failed)
	} else {
		sb.WriteString("No poll cycle has completed yet. Try /trackerrefresh.")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatCycleResult(stats monitor.CycleStats, err error) string {
	if errors.Is(err, monitor.ErrCycleInFlight) {
		return "A poll cycle is already running; its results will apply shortly."
	}
	if err != nil {
		return "The poll cycle failed; check the logs."
	}
	return fmt.Sprintf("Poll cycle done: %d trackers, %d fetched, %d failed, %d notifications.",
		stats.Trackers, stats.Fetched, stats.Failed, stats.Transitions)
}
