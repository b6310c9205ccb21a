package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipepmaragno/chat-relay/internal/relay"
)

// digestWindow is how far back one digest reads.
const digestWindow = 24 * time.Hour

// ParseDigestTime reads a UTC time of day in HH:MM form.
func ParseDigestTime(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid digest time %q: expected HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid digest hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid digest minute in %q", s)
	}
	return hour, minute, nil
}

// DigestSchedule is the daily cron schedule for a HH:MM UTC digest time.
func DigestSchedule(at string) (cron.Schedule, error) {
	hour, minute, err := ParseDigestTime(at)
	if err != nil {
		return nil, err
	}
	return cron.ParseStandard(fmt.Sprintf("CRON_TZ=UTC %d %d * * *", minute, hour))
}

// StartDigest posts a daily digest of channelID to the same channel at the given
// HH:MM UTC until ctx is done.
func (b *Bot) StartDigest(ctx context.Context, channelID, at string) error {
	schedule, err := DigestSchedule(at)
	if err != nil {
		return err
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		b.postDigest(ctx, channelID, time.Now().Add(-digestWindow))
	}))
	c.Start()
	b.logger.Info("daily digest scheduled", "channel_id", channelID, "next_run", schedule.Next(time.Now()))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (b *Bot) postDigest(ctx context.Context, channelID string, since time.Time) {
	api, _, _ := b.conn()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.relay.Digest(ctx, channelID, since)
	if errors.Is(err, relay.ErrNoHistory) {
		b.logger.Info("daily digest skipped, no messages", "channel_id", channelID)
		return
	}
	if err != nil {
		b.logger.Error("daily digest failed", "error", err, "channel_id", channelID)
		return
	}
	if reply.Denied || reply.Failed {
		b.logger.Warn("daily digest not posted", "channel_id", channelID, "reason", reply.Text)
		return
	}

	for _, chunk := range SplitMessage("**Daily Digest:**\n"+reply.Text, MaxMessageLength) {
		if _, err := api.ChannelMessageSend(channelID, chunk); err != nil {
			b.logger.Error("failed to post daily digest", "error", err, "channel_id", channelID)
			return
		}
	}
	b.logger.Info("daily digest posted", "channel_id", channelID, "provider", reply.Provider)
}
