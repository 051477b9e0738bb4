// Package discord is the chat platform adapter: it owns the gateway
// session, registers the slash commands, and delivers notifications as
// channel embeds.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"trackerwatch/internal/monitor"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// SubscriptionStore is the slice of the registry the command handlers need.
type SubscriptionStore interface {
	Add(ctx context.Context, code trackers.Code, target transport.Target) (bool, error)
	Remove(ctx context.Context, code trackers.Code, target transport.Target) (bool, error)
	ListTarget(ctx context.Context, target transport.Target) ([]storage.Subscription, error)
	ListGuild(ctx context.Context, guildID string) ([]storage.Subscription, error)
}

// Refresher exposes the poller operations driven from chat.
type Refresher interface {
	TriggerNow(ctx context.Context) (monitor.CycleStats, error)
	Snapshot() (monitor.CycleStats, bool)
}

type Config struct {
	Token string
	// GuildID scopes command registration to one guild when set; global
	// registration otherwise. Guild-scoped commands appear immediately,
	// which is what you want during rollout.
	GuildID string
}

// Bot owns the Discord session. It implements transport.Sink for the
// dispatcher and routes slash command interactions to the store and poller.
type Bot struct {
	cfg     Config
	store   SubscriptionStore
	refresh Refresher
	log     logx.Logger

	session *discordgo.Session
}

func New(cfg Config, store SubscriptionStore, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{cfg: cfg, store: store, log: log}, nil
}

// SetRefresher wires the poller in after construction; the bot is created
// before the poller because notifications are delivered through it.
func (b *Bot) SetRefresher(r Refresher) { b.refresh = r }

// Start opens the gateway session and registers the slash commands.
func (b *Bot) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + strings.TrimSpace(b.cfg.Token))
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)

	dg.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		b.handleCommand(s, i)
	})

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	b.session = dg

	if err := b.registerCommands(); err != nil {
		// The bot still works for already registered commands; don't die.
		b.log.Warn("command registration failed", logx.Err(err))
	}

	b.log.Info("discord connected",
		logx.Bool("guild_scoped", strings.TrimSpace(b.cfg.GuildID) != ""))
	return nil
}

func (b *Bot) Stop() {
	if b.session == nil {
		return
	}
	_ = b.session.Close()
	b.session = nil
	b.log.Info("discord disconnected")
}

func (b *Bot) registerCommands() error {
	appID := ""
	if b.session.State != nil && b.session.State.User != nil {
		appID = b.session.State.User.ID
	}
	if appID == "" {
		return errors.New("application ID unknown after connect")
	}
	_, err := b.session.ApplicationCommandBulkOverwrite(appID, strings.TrimSpace(b.cfg.GuildID), commandDefinitions())
	return err
}

// Send implements transport.Sink: one embed per notification.
func (b *Bot) Send(ctx context.Context, n transport.Notification) error {
	s := b.session
	if s == nil {
		return fmt.Errorf("%w: session not connected", transport.ErrDeliveryFailed)
	}
	_, err := s.ChannelMessageSendEmbed(n.Target.ChannelID, &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Body,
		Color:       n.Color,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDeliveryFailed, err)
	}
	return nil
}
