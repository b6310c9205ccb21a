package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/relay"
)

func TestParseDigestTime(t *testing.T) {
	tests := []struct {
		in         string
		wantHour   int
		wantMinute int
		wantErr    bool
	}{
		{"09:00", 9, 0, false},
		{"23:59", 23, 59, false},
		{" 7:05 ", 7, 5, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseDigestTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDigestTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if h != tt.wantHour || m != tt.wantMinute {
				t.Errorf("ParseDigestTime(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.wantHour, tt.wantMinute)
			}
		})
	}
}

func TestDigestSchedule(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", day(10, 8, 0), day(10, 9, 30)},
		{"already passed", day(10, 10, 0), day(11, 9, 30)},
		{"exactly now", day(10, 9, 30), day(11, 9, 30)},
		{"other zone", time.Date(2026, 3, 10, 10, 0, 0, 0, time.FixedZone("X", 2*3600)), day(10, 9, 30)},
	}

	schedule, err := DigestSchedule("09:30")
	if err != nil {
		t.Fatalf("DigestSchedule() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := schedule.Next(tt.now); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}

	if _, err := DigestSchedule("9am"); err == nil {
		t.Error("DigestSchedule(9am) should fail")
	}
}

func TestPostDigest(t *testing.T) {
	since := time.Now().Add(-digestWindow)

	t.Run("posts summary", func(t *testing.T) {
		var gotChannel string
		var gotSince time.Time
		r := &mockRelay{DigestFunc: func(ctx context.Context, channelID string, s time.Time) (*relay.Reply, error) {
			gotChannel, gotSince = channelID, s
			return &relay.Reply{Text: "a quiet day", Provider: provider.Groq}, nil
		}}
		b, fake, _ := newTestBot(t, r)

		b.postDigest(context.Background(), "digest-chan", since)

		if gotChannel != "digest-chan" || !gotSince.Equal(since) {
			t.Errorf("Digest(%q, %v), want digest-chan and %v", gotChannel, gotSince, since)
		}
		if got := fake.sent["digest-chan"]; len(got) != 1 || got[0] != "**Daily Digest:**\na quiet day" {
			t.Errorf("sent = %q", got)
		}
	})

	t.Run("long digest is split", func(t *testing.T) {
		r := &mockRelay{DigestFunc: func(context.Context, string, time.Time) (*relay.Reply, error) {
			return &relay.Reply{Text: strings.Repeat("d", MaxMessageLength)}, nil
		}}
		b, fake, _ := newTestBot(t, r)

		b.postDigest(context.Background(), "digest-chan", since)

		if got := len(fake.sent["digest-chan"]); got != 2 {
			t.Errorf("sent %d chunks, want 2", got)
		}
	})

	skipped := []struct {
		name  string
		reply *relay.Reply
		err   error
	}{
		{"no history", nil, relay.ErrNoHistory},
		{"relay error", nil, errors.New("db down")},
		{"all providers failed", &relay.Reply{Text: "failed", Failed: true}, nil},
	}
	for _, tt := range skipped {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRelay{DigestFunc: func(context.Context, string, time.Time) (*relay.Reply, error) {
				return tt.reply, tt.err
			}}
			b, fake, _ := newTestBot(t, r)

			b.postDigest(context.Background(), "digest-chan", since)

			if got := fake.sent["digest-chan"]; len(got) != 0 {
				t.Errorf("sent = %q, want nothing", got)
			}
		})
	}
}

func TestStartDigest_InvalidTime(t *testing.T) {
	b, _, _ := newTestBot(t, &mockRelay{})
	if err := b.StartDigest(context.Background(), "c1", "25:00"); err == nil {
		t.Error("StartDigest() with invalid time should fail")
	}
}
