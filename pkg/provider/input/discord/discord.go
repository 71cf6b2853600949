// Package discord implements the Discord text input provider. It owns a
// discordgo session, filters message-create events by guild and channel, and
// forwards viewer messages as text observations.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "discord"

// eventBuffer bounds messages held between the gateway handler and Run.
const eventBuffer = 256

var _ input.Provider = (*Provider)(nil)

// Provider streams Discord messages into the input domain.
type Provider struct {
	log *slog.Logger

	guildID    string
	channels   []string
	ignoreBots bool

	session   *discordgo.Session
	selfID    string
	events    chan types.RawData
	closeOnce sync.Once
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [input.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [input.Provider]. It opens the gateway session; discordgo
// handles gateway reconnects internally. Config keys: "token" (required),
// "guild_id" (filter, empty accepts all), "channel_ids" (filter, empty
// accepts all), "ignore_bots" (default true).
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	token := provider.StringOption(cfg, "token", "")
	if token == "" {
		return fmt.Errorf("%s: token is required", Name)
	}
	p.guildID = provider.StringOption(cfg, "guild_id", "")
	p.channels = provider.StringsOption(cfg, "channel_ids")
	p.ignoreBots = provider.BoolOption(cfg, "ignore_bots", true)
	p.log = pctx.Logger("input." + Name)
	p.events = make(chan types.RawData, eventBuffer)

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("%s: create session: %w", Name, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	// Handlers must run on the gateway goroutine so message order survives
	// the trip through the event buffer.
	session.SyncEvents = true
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		p.handleMessage(m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("%s: open session: %w", Name, err)
	}
	p.session = session
	if session.State != nil && session.State.User != nil {
		p.selfID = session.State.User.ID
	}
	p.log.Info("discord session open", "guild_id", p.guildID, "channels", len(p.channels))
	return nil
}

// Run implements [input.Provider]. It drains the gateway event buffer into
// the sink until ctx ends.
func (p *Provider) Run(ctx context.Context, sink input.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-p.events:
			sink(raw)
		}
	}
}

// Cleanup implements [input.Provider]. Safe to call more than once.
func (p *Provider) Cleanup() error {
	var closeErr error
	p.closeOnce.Do(func() {
		if p.session == nil {
			return
		}
		if err := p.session.Close(); err != nil {
			closeErr = fmt.Errorf("%s: close session: %w", Name, err)
		}
	})
	return closeErr
}

// handleMessage filters one message-create event and queues it for Run. The
// buffer never blocks the gateway; overflow drops the message with a warning.
func (p *Provider) handleMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == p.selfID {
		return
	}
	if p.ignoreBots && m.Author.Bot {
		return
	}
	if p.guildID != "" && m.GuildID != p.guildID {
		return
	}
	if len(p.channels) > 0 && !slices.Contains(p.channels, m.ChannelID) {
		return
	}
	if m.Content == "" {
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	raw := types.RawData{
		Content: types.TextContent{
			Text:     m.Content,
			User:     m.Author.ID,
			Username: m.Author.Username,
		},
		Source:    Name,
		Type:      types.DataText,
		Timestamp: ts,
		Metadata: map[string]any{
			"channel_id": m.ChannelID,
			"guild_id":   m.GuildID,
			"message_id": m.ID,
		},
	}

	select {
	case p.events <- raw:
	default:
		p.log.Warn("event buffer full, dropping message", "channel_id", m.ChannelID)
	}
}
