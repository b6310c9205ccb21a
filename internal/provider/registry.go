package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/felipepmaragno/chat-relay/internal/httputil"
	"github.com/felipepmaragno/chat-relay/internal/provider/anthropic"
	"github.com/felipepmaragno/chat-relay/internal/provider/bedrock"
	"github.com/felipepmaragno/chat-relay/internal/provider/openai"
)

// Factory constructs a client for a configured descriptor.
type Factory func(ctx context.Context, d Descriptor) (Client, error)

// DefaultFactory picks the client implementation from the descriptor's protocol.
// Every HTTP backend built by the factory shares httpClient, across epochs too. A nil
// httpClient is replaced by one pooled client owned by the factory.
func DefaultFactory(httpClient *http.Client) Factory {
	if httpClient == nil {
		httpClient = httputil.DefaultClient()
	}
	return func(ctx context.Context, d Descriptor) (Client, error) {
		switch d.Protocol {
		case ProtocolOpenAI, "":
			return openai.New(d.Credential, d.BaseURL, httpClient), nil
		case ProtocolAnthropic:
			return anthropic.New(d.Credential, d.BaseURL, httpClient), nil
		case ProtocolBedrock:
			return bedrock.New(ctx, d.Credential)
		default:
			return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
		}
	}
}

// Registry is an immutable set of descriptors and the live clients built from them.
// A configuration change builds a new Registry; an existing one is never modified.
type Registry struct {
	descriptors map[Key]Descriptor
	clients     map[Key]Client
}

// Build creates clients for every descriptor with a credential. Descriptors without
// a credential, and those whose client cannot be constructed, are left out.
func Build(ctx context.Context, descriptors map[Key]Descriptor, factory Factory) *Registry {
	r := &Registry{
		descriptors: make(map[Key]Descriptor, len(descriptors)),
		clients:     make(map[Key]Client, len(descriptors)),
	}

	for key, d := range descriptors {
		d.Key = key
		r.descriptors[key] = d

		if !d.Configured() {
			continue
		}

		client, err := factory(ctx, d)
		if err != nil {
			slog.Warn("provider unavailable", "provider", key, "error", err)
			continue
		}
		r.clients[key] = client
	}

	return r
}

func (r *Registry) Client(key Key) (Client, bool) {
	c, ok := r.clients[key]
	return c, ok
}

func (r *Registry) Descriptor(key Key) (Descriptor, bool) {
	d, ok := r.descriptors[key]
	return d, ok
}

// DisplayName falls back to the key when the descriptor has no name.
func (r *Registry) DisplayName(key Key) string {
	if d, ok := r.descriptors[key]; ok && d.DisplayName != "" {
		return d.DisplayName
	}
	return string(key)
}

// Live returns the keys that have a client, sorted.
func (r *Registry) Live() []Key {
	keys := make([]Key, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
