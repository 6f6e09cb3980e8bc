// Package announce posts ledger activity to a Discord channel. It is an
// outbound-only integration: no commands, no interactions.
package announce

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/guildops/sanity-tracker/internal/config"
)

// Discord announces to a fixed guild channel.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

// NewDiscord creates a Discord announcer from cfg.
func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{
		session:   session,
		channelID: cfg.ChannelID,
		logger:    logger,
	}, nil
}

// Start opens the Discord connection.
func (d *Discord) Start(ctx context.Context) error {
	d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.InfoContext(ctx, "discord announcer ready", slog.String("user", s.State.User.Username))
	})
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord connection.
func (d *Discord) Stop() error {
	return d.session.Close()
}

// Announce sends text to the configured channel. Failures are logged and
// swallowed: an unreachable Discord must never fail a ledger mutation.
func (d *Discord) Announce(ctx context.Context, text string) {
	if _, err := d.session.ChannelMessageSend(d.channelID, text); err != nil {
		d.logger.WarnContext(ctx, "discord announce failed",
			slog.String("channel", d.channelID),
			slog.Any("error", err),
		)
	}
}
