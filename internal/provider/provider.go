// Package provider describes the chat backends the relay can route to, builds live
// clients for the configured ones, and computes the order they are tried in.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// Key identifies a backend. Only the keys in Catalog exist.
type Key string

const (
	Gemini     Key = "gemini"
	Groq       Key = "groq"
	OpenRouter Key = "openrouter"
	Anthropic  Key = "anthropic"
	OpenAI     Key = "openai"
	Bedrock    Key = "bedrock"
)

// Protocol is the wire shape a backend speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolBedrock   Protocol = "bedrock"
)

// Descriptor is the static description of one backend within a configuration epoch.
type Descriptor struct {
	Key         Key      `json:"key" yaml:"-"`
	DisplayName string   `json:"display_name" yaml:"name"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Model       string   `json:"model" yaml:"model"`
	Credential  string   `json:"-" yaml:"api_key"`
	Free        bool     `json:"free" yaml:"free"`
	Protocol    Protocol `json:"protocol" yaml:"protocol"`
}

// Configured reports whether the descriptor carries a credential.
func (d Descriptor) Configured() bool {
	return d.Credential != ""
}

// Fingerprint identifies the connection settings of d. Two descriptors with the same
// fingerprint reach the same backend with the same credential.
func (d Descriptor) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(d.Key), string(d.Protocol), d.BaseURL, d.Model, d.Credential,
	}, "\x00")))
	return hex.EncodeToString(sum[:6])
}

// Client is a live handle to one backend.
type Client interface {
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// Catalog holds the default descriptor of every known backend, without credentials.
var Catalog = map[Key]Descriptor{
	Gemini: {
		Key:         Gemini,
		DisplayName: "Google Gemini",
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/",
		Model:       "gemini-2.5-flash",
		Free:        true,
		Protocol:    ProtocolOpenAI,
	},
	Groq: {
		Key:         Groq,
		DisplayName: "Groq",
		BaseURL:     "https://api.groq.com/openai/v1",
		Model:       "llama-3.3-70b-versatile",
		Free:        true,
		Protocol:    ProtocolOpenAI,
	},
	OpenRouter: {
		Key:         OpenRouter,
		DisplayName: "OpenRouter",
		BaseURL:     "https://openrouter.ai/api/v1",
		Model:       "deepseek/deepseek-r1:free",
		Free:        true,
		Protocol:    ProtocolOpenAI,
	},
	Anthropic: {
		Key:         Anthropic,
		DisplayName: "Anthropic Claude",
		BaseURL:     "https://api.anthropic.com/v1",
		Model:       "claude-sonnet-4-6",
		Protocol:    ProtocolAnthropic,
	},
	OpenAI: {
		Key:         OpenAI,
		DisplayName: "OpenAI",
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Protocol:    ProtocolOpenAI,
	},
	Bedrock: {
		Key:         Bedrock,
		DisplayName: "AWS Bedrock",
		Model:       "anthropic.claude-3-5-haiku-20241022-v1:0",
		Protocol:    ProtocolBedrock,
	},
}

// DefaultFreeChain is tried after the primary backend, in this order.
var DefaultFreeChain = []Key{Gemini, Groq, OpenRouter}

// AllKeys lists every known key in a stable order.
func AllKeys() []Key {
	return []Key{Gemini, Groq, OpenRouter, Anthropic, OpenAI, Bedrock}
}

func ParseKey(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Catalog[k]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownProvider, s)
	}
	return k, nil
}

// ParseKeys parses a comma-separated list, skipping empty entries.
func ParseKeys(s string) ([]Key, error) {
	var keys []Key
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// DefaultDescriptors returns a fresh copy of the catalog.
func DefaultDescriptors() map[Key]Descriptor {
	out := make(map[Key]Descriptor, len(Catalog))
	for k, d := range Catalog {
		out[k] = d
	}
	return out
}
