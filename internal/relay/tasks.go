package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// ErrNoHistory is returned by Summarize and Digest when there is nothing to read.
var ErrNoHistory = errors.New("no conversation history")

const (
	summarizePrompt = "Please summarize the key points from this conversation so far in a concise bullet-point format."

	translateSystemPrompt = "You are a helpful translation assistant. Provide only the translation."

	reviewSystemPrompt = "You are a senior code reviewer. Analyze the code for:\n" +
		"1. Bugs and potential errors\n" +
		"2. Style and best practices\n" +
		"3. Performance improvements\n" +
		"4. Security concerns\n" +
		"Respond with markdown formatting using code blocks."

	digestSystemPrompt = "You are a helpful assistant that summarizes Discord conversations."

	// DigestAuthor is the author name digest turns are stored under.
	DigestAuthor = "digest"
)

// Summarize asks for a summary of the channel's conversation. It fails with
// ErrNoHistory when the channel has none.
func (s *Service) Summarize(ctx context.Context, req Request) (*Reply, error) {
	turns, err := s.history.Read(ctx, req.ChannelID, 1)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(turns) == 0 {
		return nil, ErrNoHistory
	}

	req.Kind = domain.KindSummarize
	req.Content = summarizePrompt
	return s.Ask(ctx, req)
}

// Translate asks for text in the target language. The channel prompt is replaced
// by a translation-only one.
func (s *Service) Translate(ctx context.Context, req Request, text, target string) (*Reply, error) {
	req.Kind = domain.KindTranslation
	req.SystemPrompt = translateSystemPrompt
	req.Content = fmt.Sprintf("Translate the following text to %s. "+
		"Respond only with the translated text, without any additional conversational filler.\n\n"+
		"Text to translate: %q", target, text)
	return s.Ask(ctx, req)
}

// Review asks for a code review of code. language is a hint and may be empty.
func (s *Service) Review(ctx context.Context, req Request, code, language string) (*Reply, error) {
	hint := language
	if hint == "" {
		hint = "auto-detected"
	}
	req.Kind = domain.KindCodeReview
	req.SystemPrompt = reviewSystemPrompt
	req.Content = fmt.Sprintf("Please review the following code snippet. The language is %s:\n```%s\n%s\n```",
		hint, language, code)
	return s.Ask(ctx, req)
}

// Digest summarizes what was said in channelID since the given time. Earlier
// digests are left out of the transcript. It fails with ErrNoHistory when nothing
// was said.
func (s *Service) Digest(ctx context.Context, channelID string, since time.Time) (*Reply, error) {
	turns, err := s.history.Read(ctx, channelID, 0)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	transcript := Transcript(turns, since)
	if transcript == "" {
		return nil, ErrNoHistory
	}

	return s.Ask(ctx, Request{
		Kind:         domain.KindDigest,
		ChannelID:    channelID,
		AuthorName:   DigestAuthor,
		SystemPrompt: digestSystemPrompt,
		Content:      "Summarize the following Discord conversation:\n\n" + transcript,
	})
}

// Transcript renders the turns written at or after since, one per line. User turns
// already carry their author; assistant turns are prefixed with the role.
func Transcript(turns []domain.Turn, since time.Time) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Kind == domain.KindDigest || t.CreatedAt.Before(since) {
			continue
		}
		if t.Role == domain.RoleAssistant {
			b.WriteString(domain.RoleAssistant + ": ")
		}
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}
