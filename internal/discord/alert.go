package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/moderation"
)

const (
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
)

var errNotConnected = errors.New("discord session not connected")

// Alerter posts flagged messages to the moderation log channel of the current
// settings epoch. Nothing is sent while no channel is configured.
type Alerter struct {
	bot     *Bot
	channel func() string
}

func NewAlerter(bot *Bot, channel func() string) *Alerter {
	return &Alerter{bot: bot, channel: channel}
}

func (a *Alerter) Alert(ctx context.Context, alert moderation.Alert) error {
	channelID := a.channel()
	if channelID == "" {
		return nil
	}

	api, _, _ := a.bot.conn()
	if api == nil {
		return errNotConnected
	}

	if _, err := api.ChannelMessageSendEmbed(channelID, FlagEmbed(alert)); err != nil {
		return fmt.Errorf("send moderation alert: %w", err)
	}
	return nil
}

// FlagEmbed renders a flagged message for moderators.
func FlagEmbed(alert moderation.Alert) *discordgo.MessageEmbed {
	msg := alert.Message

	color := colorOrange
	if alert.Verdict.Severity == domain.SeverityHigh {
		color = colorRed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Author:** <@%s> (`%s`)\n", msg.AuthorID, msg.AuthorName)
	fmt.Fprintf(&b, "**Channel:** <#%s>\n", msg.ChannelID)
	fmt.Fprintf(&b, "**Reason:** %s\n", alert.Verdict.Reason)
	fmt.Fprintf(&b, "**Original Message:**\n```\n%s\n```", msg.Content)
	if msg.JumpURL != "" {
		fmt.Fprintf(&b, "\n[Jump to Message](%s)", msg.JumpURL)
	}

	return &discordgo.MessageEmbed{
		Title:       "Message Flagged: " + strings.ToUpper(string(alert.Verdict.Severity)),
		Description: b.String(),
		Color:       color,
	}
}
