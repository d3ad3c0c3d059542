// Package notify delivers fraud alerts to supervisors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/oslsr/kestrel/internal/domain"
)

// Notifier sends an alert somewhere a supervisor will see it.
type Notifier interface {
	Notify(ctx context.Context, alert *domain.Alert) error
	Close() error
}

// New returns a Discord notifier when a bot token and channel are configured,
// and a log notifier otherwise.
func New(cfg domain.NotifyConfig) (Notifier, error) {
	if cfg.DiscordToken == "" || cfg.DiscordChannelID == "" {
		return LogNotifier{}, nil
	}
	return NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Notify logs the alert at warn level.
func (LogNotifier) Notify(ctx context.Context, alert *domain.Alert) error {
	slog.WarnContext(ctx, "fraud alert",
		"alert_id", alert.ID,
		"detection_id", alert.DetectionID,
		"submission_id", alert.SubmissionID,
		"enumerator_id", alert.EnumeratorID,
		"severity", alert.Severity,
		"total_score", alert.TotalScore,
		"policies", alert.Policies,
	)
	return nil
}

// Close is a no-op.
func (LogNotifier) Close() error { return nil }

// embedSender is the part of *discordgo.Session the notifier uses.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Discord posts alerts as embeds to one channel.
type Discord struct {
	session   embedSender
	channelID string
}

// NewDiscord creates a Discord notifier authenticated as a bot.
func NewDiscord(token, channelID string) (*Discord, error) {
	if channelID == "" {
		return nil, errors.New("discord channel id is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

// Notify sends the alert embed.
func (d *Discord) Notify(ctx context.Context, alert *domain.Alert) error {
	msg, err := d.session.ChannelMessageSendEmbed(d.channelID, buildEmbed(alert), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send discord alert: %w", err)
	}
	slog.Debug("discord alert sent", "alert_id", alert.ID, "message_id", msg.ID)
	return nil
}

// Close closes the Discord session.
func (d *Discord) Close() error {
	return d.session.Close()
}

func severityColor(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 0xE74C3C
	case domain.SeverityHigh:
		return 0xF39C12
	case domain.SeverityMedium:
		return 0xF1C40F
	default:
		return 0x3498DB
	}
}

func buildEmbed(alert *domain.Alert) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s fraud signal on submission %s", strings.ToUpper(string(alert.Severity)), alert.SubmissionID),
		Color: severityColor(alert.Severity),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Enumerator", Value: alert.EnumeratorID, Inline: true},
			{Name: "Score", Value: fmt.Sprintf("%.2f", alert.TotalScore), Inline: true},
			{Name: "Policies", Value: strings.Join(alert.Policies, ", "), Inline: true},
			{Name: "Detection", Value: alert.DetectionID},
		},
		Timestamp: alert.CreatedAt.Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Kestrel fraud engine",
		},
	}
}
