package domain

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NoChannel marks router calls that are not tied to any conversation.
const NoChannel = ""

// TurnKind tags why a router call happened. Bookkeeping keys off it.
type TurnKind string

const (
	KindMention         TurnKind = "mention"
	KindCommand         TurnKind = "command"
	KindSummarize       TurnKind = "summarize"
	KindTranslation     TurnKind = "translation"
	KindCodeReview      TurnKind = "code_review"
	KindDigest          TurnKind = "digest"
	KindModerationCheck TurnKind = "moderation_check"
)

// Accounted reports whether calls of this kind are written to history and usage.
func (k TurnKind) Accounted() bool {
	return k != KindModerationCheck
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Text returns the first choice's content, or "" when the backend sent none.
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Turn is one persisted message of a channel's conversation. Immutable once written.
type Turn struct {
	ID         int64     `json:"id"`
	ChannelID  string    `json:"channel_id"`
	Role       string    `json:"role"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Provider   string    `json:"provider,omitempty"`
	Kind       TurnKind  `json:"kind,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChannelSummary is a channel that has history, with its size and last activity.
type ChannelSummary struct {
	ChannelID    string    `json:"channel_id"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

// ChannelOverrides are per-channel settings read before routing.
type ChannelOverrides struct {
	ChannelID    string `json:"channel_id"`
	GuildID      string `json:"guild_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

type UsageEvent struct {
	ID            string    `json:"id"`
	Kind          TurnKind  `json:"kind"`
	GuildID       string    `json:"guild_id,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Success       bool      `json:"success"`
	InputTokens   int       `json:"input_tokens,omitempty"`
	OutputTokens  int       `json:"output_tokens,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	EstimatedCost float64   `json:"estimated_cost,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Verdict is the moderation model's judgment of one message. Never stored as a turn.
type Verdict struct {
	Flagged  bool     `json:"flagged"`
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
}

type ModerationRecord struct {
	ID        int64     `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
