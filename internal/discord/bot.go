// Package discord connects the relay to a Discord gateway session: mentions and slash
// commands are answered through the relay, and guild messages are handed to the
// moderation pipeline.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/moderation"
	"github.com/felipepmaragno/chat-relay/internal/relay"
)

// MaxMessageLength is Discord's limit for one message.
const MaxMessageLength = 2000

const (
	// commandChunk leaves room for the provider footer on slash command replies.
	commandChunk = 1900

	emptyMentionContent = "Hello!"
	errorReply          = "Sorry, something went wrong while answering."
)

type Relay interface {
	Ask(ctx context.Context, req relay.Request) (*relay.Reply, error)
	Summarize(ctx context.Context, req relay.Request) (*relay.Reply, error)
	Translate(ctx context.Context, req relay.Request, text, target string) (*relay.Reply, error)
	Review(ctx context.Context, req relay.Request, code, language string) (*relay.Reply, error)
	Digest(ctx context.Context, channelID string, since time.Time) (*relay.Reply, error)
	Settings() config.Settings
}

type Moderator interface {
	CheckAsync(ctx context.Context, msg moderation.Message)
}

type HistoryClearer interface {
	Clear(ctx context.Context, channelID string) (int, error)
}

// session is the part of *discordgo.Session the bot talks to.
type session interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Config struct {
	Token      string
	Relay      Relay
	Moderation Moderator
	History    HistoryClearer
	// Timeout bounds one answer, from the incoming event to the last reply chunk.
	Timeout time.Duration
}

type Bot struct {
	token      string
	relay      Relay
	moderation Moderator
	history    HistoryClearer
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.RWMutex
	dg      *discordgo.Session
	api     session
	botID   string
	baseCtx context.Context
}

func New(cfg Config) *Bot {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Bot{
		token:      cfg.Token,
		relay:      cfg.Relay,
		moderation: cfg.Moderation,
		history:    cfg.History,
		timeout:    timeout,
		logger:     slog.Default().With("channel", "discord"),
		baseCtx:    context.Background(),
	}
}

func (b *Bot) Enabled() bool {
	return b.token != ""
}

// UseModeration sets the pipeline guild messages are checked with. It must be called
// before Start.
func (b *Bot) UseModeration(m Moderator) {
	b.moderation = m
}

// Start opens the gateway connection. The session is closed when ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if !b.Enabled() {
		return fmt.Errorf("discord token not configured")
	}

	dg, err := discordgo.New("Bot " + b.token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)
	dg.AddHandler(b.onInteractionCreate)

	b.mu.Lock()
	b.dg = dg
	b.api = dg
	b.baseCtx = ctx
	b.mu.Unlock()

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	go func() {
		<-ctx.Done()
		dg.Close()
	}()

	return nil
}

func (b *Bot) Stop() error {
	b.mu.RLock()
	dg := b.dg
	b.mu.RUnlock()
	if dg == nil {
		return nil
	}
	b.logger.Info("discord bot stopping")
	return dg.Close()
}

func (b *Bot) conn() (session, string, context.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.api, b.botID, b.baseCtx
}

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        "ask",
		Description: "Ask the assistant a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "question",
				Description: "Your question",
				Required:    true,
			},
		},
	},
	{
		Name:        "clear",
		Description: "Clear the conversation memory for this channel",
	},
	{
		Name:        "provider",
		Description: "Show which AI provider is currently in use",
	},
	{
		Name:        "summarize",
		Description: "Summarize the recent conversation in this channel",
	},
	{
		Name:        "translate",
		Description: "Translate text to a target language",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "text",
				Description: "The text to translate",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "target_language",
				Description: "The language to translate to (e.g. French, es, Japanese)",
				Required:    true,
			},
		},
	},
	{
		Name:        "review",
		Description: "Review code for bugs, style, performance and security",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "code",
				Description: "The code snippet to review",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "language",
				Description: "Programming language hint (e.g. go, python)",
			},
		},
	},
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.mu.Lock()
	b.botID = r.User.ID
	b.mu.Unlock()

	settings := b.relay.Settings()
	b.logger.Info("discord bot connected",
		"username", r.User.Username,
		"guilds", len(r.Guilds),
		"primary", settings.Primary,
		"fallback_order", settings.FallbackOrder(),
	)

	synced, err := s.ApplicationCommandBulkOverwrite(r.User.ID, "", commands)
	if err != nil {
		b.logger.Warn("failed to sync slash commands", "error", err)
		return
	}
	b.logger.Info("slash commands synced", "count", len(synced))
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.handleMessage(m.Message)
}

func (b *Bot) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.handleCommand(i.Interaction)
}

func (b *Bot) handleMessage(m *discordgo.Message) {
	api, botID, base := b.conn()
	if m.Author == nil || m.Author.ID == botID {
		return
	}

	if b.moderation != nil && m.GuildID != "" && !m.Author.Bot {
		b.moderation.CheckAsync(base, moderation.Message{
			GuildID:    m.GuildID,
			ChannelID:  m.ChannelID,
			MessageID:  m.ID,
			AuthorID:   m.Author.ID,
			AuthorName: m.Author.Username,
			Content:    m.Content,
			JumpURL:    JumpURL(m.GuildID, m.ChannelID, m.ID),
		})
	}

	if m.Author.Bot || !mentions(botID, m.Mentions) {
		return
	}

	content := StripMention(m.Content, botID)
	if content == "" {
		content = emptyMentionContent
	}

	ctx, cancel := context.WithTimeout(base, b.timeout)
	defer cancel()

	if err := api.ChannelTyping(m.ChannelID); err != nil {
		b.logger.Debug("failed to send typing indicator", "error", err, "channel_id", m.ChannelID)
	}

	reply, err := b.relay.Ask(ctx, relay.Request{
		Kind:       domain.KindMention,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		UserID:     m.Author.ID,
		AuthorName: displayName(m.Member, m.Author),
		Content:    content,
	})
	if err != nil {
		if ctx.Err() != nil {
			b.logger.Info("mention abandoned", "channel_id", m.ChannelID, "message_id", m.ID)
			return
		}
		b.logger.Error("mention failed", "error", err, "channel_id", m.ChannelID, "message_id", m.ID)
		api.ChannelMessageSendReply(m.ChannelID, errorReply, m.Reference())
		return
	}

	for _, chunk := range SplitMessage(reply.Text, MaxMessageLength) {
		if _, err := api.ChannelMessageSendReply(m.ChannelID, chunk, m.Reference()); err != nil {
			b.logger.Error("failed to send reply", "error", err, "channel_id", m.ChannelID)
			return
		}
	}
}

func (b *Bot) handleCommand(i *discordgo.Interaction) {
	data := i.ApplicationCommandData()
	switch data.Name {
	case "ask":
		b.commandAsk(i, data)
	case "clear":
		b.commandClear(i)
	case "provider":
		b.respond(i, ProviderStatus(b.relay.Settings()))
	case "summarize":
		b.answer(i, "summarize", "**Conversation Summary:**\n", b.relay.Summarize)
	case "translate":
		text, target := option(data, "text"), option(data, "target_language")
		if text == "" || target == "" {
			b.respond(i, "Please include the text and a target language.")
			return
		}
		header := fmt.Sprintf("**Translated to %s:**\n", target)
		b.answer(i, "translate", header, func(ctx context.Context, req relay.Request) (*relay.Reply, error) {
			return b.relay.Translate(ctx, req, text, target)
		})
	case "review":
		code := option(data, "code")
		if code == "" {
			b.respond(i, "Please include the code to review.")
			return
		}
		language := option(data, "language")
		b.answer(i, "review", "", func(ctx context.Context, req relay.Request) (*relay.Reply, error) {
			return b.relay.Review(ctx, req, code, language)
		})
	}
}

func (b *Bot) commandAsk(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) {
	question := option(data, "question")
	if question == "" {
		b.respond(i, "Please include a question.")
		return
	}
	b.answer(i, "ask", "", func(ctx context.Context, req relay.Request) (*relay.Reply, error) {
		req.Kind = domain.KindCommand
		req.Content = question
		return b.relay.Ask(ctx, req)
	})
}

// answer defers the interaction, runs ask with the invoking user's request and
// sends the reply as followups. header is put in front of a successful reply.
func (b *Bot) answer(i *discordgo.Interaction, command, header string, ask func(context.Context, relay.Request) (*relay.Reply, error)) {
	api, _, base := b.conn()

	err := api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.logger.Error("failed to defer interaction", "error", err, "command", command)
		return
	}

	ctx, cancel := context.WithTimeout(base, b.timeout)
	defer cancel()

	user := interactionUser(i)
	reply, err := ask(ctx, relay.Request{
		ChannelID:  i.ChannelID,
		GuildID:    i.GuildID,
		UserID:     user.ID,
		AuthorName: displayName(i.Member, user),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		content := errorReply
		if errors.Is(err, relay.ErrNoHistory) {
			content = "No conversation history to summarize."
		} else {
			b.logger.Error("command failed", "error", err, "command", command, "channel_id", i.ChannelID)
		}
		api.FollowupMessageCreate(i, false, &discordgo.WebhookParams{Content: content})
		return
	}

	text := reply.Text
	footer := ""
	if !reply.Denied && !reply.Failed {
		text = header + text
		if reply.DisplayName != "" {
			footer = "\n-# Powered by " + reply.DisplayName
		}
	}
	for _, chunk := range SplitWithFooter(text, footer, commandChunk) {
		if _, err := api.FollowupMessageCreate(i, false, &discordgo.WebhookParams{Content: chunk}); err != nil {
			b.logger.Error("failed to send followup", "error", err, "channel_id", i.ChannelID)
			return
		}
	}
}

func (b *Bot) commandClear(i *discordgo.Interaction) {
	_, _, base := b.conn()
	if b.history == nil {
		b.respond(i, "Conversation history is not available.")
		return
	}
	n, err := b.history.Clear(base, i.ChannelID)
	if err != nil {
		b.logger.Error("failed to clear history", "error", err, "channel_id", i.ChannelID)
		b.respond(i, errorReply)
		return
	}
	b.logger.Info("history cleared", "channel_id", i.ChannelID, "deleted", n)
	b.respond(i, "Conversation history cleared!")
}

func (b *Bot) respond(i *discordgo.Interaction, content string) {
	api, _, _ := b.conn()
	err := api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		b.logger.Error("failed to respond to interaction", "error", err)
	}
}

// ProviderStatus renders the current primary provider and fallback order.
func ProviderStatus(s config.Settings) string {
	d := s.Providers[s.Primary]
	name := d.DisplayName
	if name == "" {
		name = string(s.Primary)
	}
	model := d.Model
	if model == "" {
		model = "?"
	}
	free := "No (paid)"
	if d.Free {
		free = "Yes"
	}

	var available []string
	for _, k := range s.FallbackOrder() {
		if s.Providers[k].Configured() {
			available = append(available, string(k))
		}
	}
	chain := strings.Join(available, " -> ")
	if chain == "" {
		chain = "none configured"
	}

	return fmt.Sprintf("**Current Provider:** %s\n**Model:** `%s`\n**Free:** %s\n**Fallback Chain:** %s",
		name, model, free, chain)
}

// StripMention removes every mention of the bot, in both the plain and the
// nickname form, and trims the rest.
func StripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// SplitMessage cuts text into chunks of at most limit characters. Empty text
// yields no chunks.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// SplitWithFooter splits like SplitMessage and appends footer to the last chunk.
func SplitWithFooter(text, footer string, limit int) []string {
	chunks := SplitMessage(text, limit)
	if len(chunks) == 0 {
		if footer == "" {
			return nil
		}
		return []string{strings.TrimPrefix(footer, "\n")}
	}
	chunks[len(chunks)-1] += footer
	return chunks
}

func JumpURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

func option(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name {
			return strings.TrimSpace(opt.StringValue())
		}
	}
	return ""
}

func mentions(botID string, users []*discordgo.User) bool {
	if botID == "" {
		return false
	}
	for _, u := range users {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	if i.User != nil {
		return i.User
	}
	return &discordgo.User{}
}
