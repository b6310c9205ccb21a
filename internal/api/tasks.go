package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/relay"
)

// TaskRequest identifies who asked for a summary, translation or review.
type TaskRequest struct {
	UserID     string `json:"user_id"`
	GuildID    string `json:"guild_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
}

type TranslateRequest struct {
	TaskRequest
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type ReviewRequest struct {
	TaskRequest
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type DigestRequest struct {
	// SinceHours is how far back the digest reads. Defaults to 24.
	SinceHours int `json:"since_hours,omitempty"`
}

func (t TaskRequest) relayRequest(channelID string) relay.Request {
	return relay.Request{
		ChannelID:  channelID,
		GuildID:    t.GuildID,
		UserID:     t.UserID,
		AuthorName: t.AuthorName,
	}
}

func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	requestID := withRequestID(w, r)

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.relay.Summarize(r.Context(), req.relayRequest(r.PathValue("channel_id")))
	h.writeReply(w, r, requestID, reply, err)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	requestID := withRequestID(w, r)

	var req TranslateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	req.TargetLanguage = strings.TrimSpace(req.TargetLanguage)
	if req.Text == "" || req.TargetLanguage == "" {
		writeError(w, http.StatusBadRequest, "text and target_language are required")
		return
	}

	reply, err := h.relay.Translate(r.Context(), req.relayRequest(r.PathValue("channel_id")), req.Text, req.TargetLanguage)
	h.writeReply(w, r, requestID, reply, err)
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	requestID := withRequestID(w, r)

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	reply, err := h.relay.Review(r.Context(), req.relayRequest(r.PathValue("channel_id")), req.Code, strings.TrimSpace(req.Language))
	h.writeReply(w, r, requestID, reply, err)
}

// handleDigest summarizes the channel's recent history on demand. The body is
// optional.
func (h *Handler) handleDigest(w http.ResponseWriter, r *http.Request) {
	requestID := withRequestID(w, r)

	var req DigestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SinceHours <= 0 {
		req.SinceHours = 24
	}

	since := time.Now().Add(-time.Duration(req.SinceHours) * time.Hour)
	reply, err := h.relay.Digest(r.Context(), r.PathValue("channel_id"), since)
	h.writeReply(w, r, requestID, reply, err)
}
