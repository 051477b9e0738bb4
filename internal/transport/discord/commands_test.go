package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"trackerwatch/internal/monitor"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

func TestCommandDefinitions(t *testing.T) {
	t.Parallel()
	defs := commandDefinitions()
	want := map[string]bool{
		"trackeradd": false, "trackerremove": false, "trackerlist": false,
		"trackeravailable": false, "trackerstatus": false, "trackerrefresh": false,
	}
	for _, d := range defs {
		if _, ok := want[d.Name]; !ok {
			t.Fatalf("unexpected command %q", d.Name)
		}
		want[d.Name] = true
		if d.Description == "" {
			t.Fatalf("command %q has no description", d.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("command %q not registered", name)
		}
	}
}

func TestSubscriptionCommandsTakeChannelOption(t *testing.T) {
	t.Parallel()
	for _, d := range commandDefinitions() {
		if d.Name != "trackeradd" && d.Name != "trackerremove" {
			continue
		}
		var found bool
		for _, opt := range d.Options {
			if opt.Name != "channel" {
				continue
			}
			found = true
			if opt.Type != discordgo.ApplicationCommandOptionChannel {
				t.Fatalf("%s channel option type = %v", d.Name, opt.Type)
			}
			if opt.Required {
				t.Fatalf("%s channel option must be optional (defaults to invoking channel)", d.Name)
			}
		}
		if !found {
			t.Fatalf("%s has no channel option", d.Name)
		}
	}
}

func TestCommandTarget(t *testing.T) {
	t.Parallel()
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		GuildID:   "g1",
		ChannelID: "invoked",
	}}

	got := commandTarget(i, discordgo.ApplicationCommandInteractionData{})
	if got != (transport.Target{GuildID: "g1", ChannelID: "invoked"}) {
		t.Fatalf("default target = %+v", got)
	}

	got = commandTarget(i, discordgo.ApplicationCommandInteractionData{
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "tracker", Type: discordgo.ApplicationCommandOptionString, Value: "ops"},
			{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "alerts"},
		},
	})
	if got != (transport.Target{GuildID: "g1", ChannelID: "alerts"}) {
		t.Fatalf("target with channel option = %+v", got)
	}
}

func TestAdminOnly(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"trackeradd", "trackerremove", "trackerrefresh"} {
		if !adminOnly(name) {
			t.Fatalf("%q should require admin", name)
		}
	}
	for _, name := range []string{"trackerlist", "trackeravailable", "trackerstatus"} {
		if adminOnly(name) {
			t.Fatalf("%q should not require admin", name)
		}
	}
}

func TestFormatAvailableListsWholeCatalog(t *testing.T) {
	t.Parallel()
	out := formatAvailable()
	for _, code := range trackers.All() {
		if !strings.Contains(out, "`"+string(code)+"`") {
			t.Fatalf("missing %q in %q", code, out)
		}
		if !strings.Contains(out, code.DisplayName()) {
			t.Fatalf("missing display name for %q", code)
		}
	}
}

func TestFormatSubscriptionList(t *testing.T) {
	t.Parallel()
	if out := formatSubscriptionList(nil); !strings.Contains(out, "no tracker subscriptions") {
		t.Fatalf("empty list reply = %q", out)
	}

	online := trackers.StatusOnline
	out := formatSubscriptionList([]storage.Subscription{
		{Tracker: "red", Target: transport.Target{ChannelID: "c"}},
		{Tracker: "btn", Target: transport.Target{ChannelID: "c"}, LastStatus: &online},
	})
	btnIdx := strings.Index(out, "`btn`")
	redIdx := strings.Index(out, "`red`")
	if btnIdx < 0 || redIdx < 0 || btnIdx > redIdx {
		t.Fatalf("list not sorted by code: %q", out)
	}
	if !strings.Contains(out, "online") {
		t.Fatalf("missing observed status: %q", out)
	}
	if !strings.Contains(out, "no observation yet") {
		t.Fatalf("missing baseline marker: %q", out)
	}
}

func TestFormatGuildStatus(t *testing.T) {
	t.Parallel()
	if out := formatGuildStatus(nil, monitor.CycleStats{}, false); !strings.Contains(out, "no tracker subscriptions") {
		t.Fatalf("empty guild reply = %q", out)
	}

	online := trackers.StatusOnline
	offline := trackers.StatusOffline
	subs := []storage.Subscription{
		{Tracker: "ptp", Target: transport.Target{GuildID: "g", ChannelID: "c2"}, LastStatus: &offline},
		{Tracker: "ops", Target: transport.Target{GuildID: "g", ChannelID: "c1"}, LastStatus: &online},
		{Tracker: "red", Target: transport.Target{GuildID: "g", ChannelID: "c1"}},
	}

	out := formatGuildStatus(subs, monitor.CycleStats{}, false)
	if !strings.Contains(out, "Orpheus") || !strings.Contains(out, "online") {
		t.Fatalf("status reply = %q", out)
	}
	if !strings.Contains(out, "PassThePopcorn") || !strings.Contains(out, "offline") {
		t.Fatalf("status reply = %q", out)
	}
	if !strings.Contains(out, "no observation yet") {
		t.Fatalf("missing baseline marker: %q", out)
	}
	if !strings.Contains(out, "<#c1>") || !strings.Contains(out, "<#c2>") {
		t.Fatalf("missing channel references: %q", out)
	}
	opsIdx := strings.Index(out, "Orpheus")
	ptpIdx := strings.Index(out, "PassThePopcorn")
	if opsIdx > ptpIdx {
		t.Fatalf("statuses not sorted: %q", out)
	}
	if !strings.Contains(out, "No poll cycle") {
		t.Fatalf("missing freshness hint without a cycle: %q", out)
	}

	out = formatGuildStatus(subs, monitor.CycleStats{
		Started: time.Now().Add(-time.Minute),
		Fetched: 2,
	}, true)
	if !strings.Contains(out, "Last poll") || !strings.Contains(out, "2 fetched") {
		t.Fatalf("missing cycle summary: %q", out)
	}
}

type fakeSubscriptionStore struct {
	byGuild map[string][]storage.Subscription
}

func (f *fakeSubscriptionStore) Add(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	return true, nil
}

func (f *fakeSubscriptionStore) Remove(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	return true, nil
}

func (f *fakeSubscriptionStore) ListTarget(ctx context.Context, target transport.Target) ([]storage.Subscription, error) {
	return nil, nil
}

func (f *fakeSubscriptionStore) ListGuild(ctx context.Context, guildID string) ([]storage.Subscription, error) {
	return f.byGuild[guildID], nil
}

func TestHandleStatusReadsStoredState(t *testing.T) {
	t.Parallel()
	online := trackers.StatusOnline
	store := &fakeSubscriptionStore{byGuild: map[string][]storage.Subscription{
		"g1": {{Tracker: "ops", Target: transport.Target{GuildID: "g1", ChannelID: "c1"}, LastStatus: &online}},
	}}
	b := &Bot{store: store, log: logx.Nop()}

	// No poller wired at all: the reply still comes from stored state.
	out := b.handleStatus(context.Background(), "g1")
	if !strings.Contains(out, "Orpheus") || !strings.Contains(out, "online") {
		t.Fatalf("status reply = %q", out)
	}

	if out := b.handleStatus(context.Background(), "other"); !strings.Contains(out, "no tracker subscriptions") {
		t.Fatalf("unknown guild reply = %q", out)
	}
}

func TestFormatCycleResult(t *testing.T) {
	t.Parallel()
	if out := formatCycleResult(monitor.CycleStats{}, monitor.ErrCycleInFlight); !strings.Contains(out, "already running") {
		t.Fatalf("in-flight reply = %q", out)
	}
	if out := formatCycleResult(monitor.CycleStats{}, errors.New("x")); !strings.Contains(out, "failed") {
		t.Fatalf("failure reply = %q", out)
	}
	out := formatCycleResult(monitor.CycleStats{Trackers: 3, Fetched: 2, Failed: 1, Transitions: 1}, nil)
	if !strings.Contains(out, "3 trackers") || !strings.Contains(out, "1 notifications") {
		t.Fatalf("success reply = %q", out)
	}
}
