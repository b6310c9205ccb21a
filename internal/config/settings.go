package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/ratelimit"
	"github.com/felipepmaragno/chat-relay/internal/secrets"
)

const DefaultSystemPrompt = "You are a helpful and friendly AI assistant in a Discord server. " +
	"Be concise, helpful, and engaging."

// Settings is one configuration epoch. A change never edits a live Settings; a new
// one is built, validated and published as a whole.
type Settings struct {
	Providers         map[provider.Key]provider.Descriptor `json:"providers"`
	Primary           provider.Key                         `json:"primary"`
	FreeChain         []provider.Key                       `json:"free_chain"`
	MaxTokens         int                                  `json:"max_tokens"`
	SystemPrompt      string                               `json:"system_prompt"`
	RateLimit         ratelimit.Settings                   `json:"rate_limit"`
	ModerationEnabled bool                                 `json:"moderation_enabled"`
	ModLogChannelID   string                               `json:"mod_log_channel_id,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		Providers:    provider.DefaultDescriptors(),
		Primary:      provider.Gemini,
		FreeChain:    append([]provider.Key(nil), provider.DefaultFreeChain...),
		MaxTokens:    1024,
		SystemPrompt: DefaultSystemPrompt,
		RateLimit:    ratelimit.DefaultSettings(),
	}
}

func (s Settings) Validate() error {
	if _, ok := provider.Catalog[s.Primary]; !ok {
		return fmt.Errorf("%w: primary provider %q", domain.ErrInvalidSettings, s.Primary)
	}
	for _, k := range s.FreeChain {
		if _, ok := provider.Catalog[k]; !ok {
			return fmt.Errorf("%w: free chain entry %q", domain.ErrInvalidSettings, k)
		}
	}
	for k := range s.Providers {
		if _, ok := provider.Catalog[k]; !ok {
			return fmt.Errorf("%w: provider table entry %q", domain.ErrInvalidSettings, k)
		}
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", domain.ErrInvalidSettings, s.MaxTokens)
	}
	return s.RateLimit.Validate()
}

// Clone returns a deep copy, safe to modify.
func (s Settings) Clone() Settings {
	out := s
	out.Providers = make(map[provider.Key]provider.Descriptor, len(s.Providers))
	for k, d := range s.Providers {
		out.Providers[k] = d
	}
	out.FreeChain = append([]provider.Key(nil), s.FreeChain...)
	return out
}

// FallbackOrder is the provider order this epoch routes through.
func (s Settings) FallbackOrder() []provider.Key {
	return provider.FallbackOrder(s.Primary, s.FreeChain)
}

type ProviderView struct {
	Key         provider.Key      `json:"key"`
	DisplayName string            `json:"display_name"`
	BaseURL     string            `json:"base_url,omitempty"`
	Model       string            `json:"model"`
	Free        bool              `json:"free"`
	Protocol    provider.Protocol `json:"protocol"`
	Configured  bool              `json:"configured"`
}

// PublicSettings is Settings without credentials, for the admin API.
type PublicSettings struct {
	Providers         []ProviderView     `json:"providers"`
	Primary           provider.Key       `json:"primary"`
	FreeChain         []provider.Key     `json:"free_chain"`
	MaxTokens         int                `json:"max_tokens"`
	SystemPrompt      string             `json:"system_prompt"`
	RateLimit         ratelimit.Settings `json:"rate_limit"`
	ModerationEnabled bool               `json:"moderation_enabled"`
	ModLogChannelID   string             `json:"mod_log_channel_id,omitempty"`
}

func (s Settings) Public() PublicSettings {
	views := make([]ProviderView, 0, len(s.Providers))
	for _, k := range provider.AllKeys() {
		d, ok := s.Providers[k]
		if !ok {
			continue
		}
		views = append(views, ProviderView{
			Key:         k,
			DisplayName: d.DisplayName,
			BaseURL:     d.BaseURL,
			Model:       d.Model,
			Free:        d.Free,
			Protocol:    d.Protocol,
			Configured:  d.Configured(),
		})
	}

	return PublicSettings{
		Providers:         views,
		Primary:           s.Primary,
		FreeChain:         s.FreeChain,
		MaxTokens:         s.MaxTokens,
		SystemPrompt:      s.SystemPrompt,
		RateLimit:         s.RateLimit,
		ModerationEnabled: s.ModerationEnabled,
		ModLogChannelID:   s.ModLogChannelID,
	}
}

const (
	KeyPrimary          = "AI_PROVIDER"
	KeyFreeChain        = "FREE_FALLBACK_CHAIN"
	KeyMaxTokens        = "MAX_TOKENS"
	KeySystemPrompt     = "SYSTEM_PROMPT"
	KeyRateLimitEnabled = "RATE_LIMIT_ENABLED"
	KeyRateLimitUser    = "RATE_LIMIT_USER"
	KeyRateLimitGuild   = "RATE_LIMIT_GUILD"
	KeyUserRefill       = "RATE_LIMIT_USER_REFILL"
	KeyGuildRefill      = "RATE_LIMIT_GUILD_REFILL"
	KeyModeration       = "MODERATION_ENABLED"
	KeyModLogChannel    = "MOD_LOG_CHANNEL_ID"

	// BedrockRegion doubles as the bedrock credential; the SDK finds the keys itself.
	KeyBedrockRegion = "BEDROCK_REGION"
)

var globalKeys = []string{
	KeyPrimary, KeyFreeChain, KeyMaxTokens, KeySystemPrompt,
	KeyRateLimitEnabled, KeyRateLimitUser, KeyRateLimitGuild, KeyUserRefill, KeyGuildRefill,
	KeyModeration, KeyModLogChannel, KeyBedrockRegion,
}

var providerFields = []string{"API_KEY", "MODEL", "BASE_URL"}

// Keys lists every key Apply understands, sorted.
func Keys() []string {
	keys := append([]string(nil), globalKeys...)
	for _, k := range provider.AllKeys() {
		for _, field := range providerFields {
			keys = append(keys, providerVar(k, field))
		}
	}
	sort.Strings(keys)
	return keys
}

// IsSecretKey reports whether the key holds a credential.
func IsSecretKey(key string) bool {
	return strings.HasSuffix(key, "_API_KEY")
}

func providerVar(k provider.Key, field string) string {
	return strings.ToUpper(string(k)) + "_" + field
}

// Apply overlays flat key/value overrides, e.g. from the environment or the settings
// table. Empty values are ignored. Unknown keys are rejected.
func Apply(s *Settings, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(values[key])
		if value == "" {
			continue
		}
		if err := applyOne(s, key, value); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidSettings, key, err)
		}
	}
	return nil
}

func applyOne(s *Settings, key, value string) error {
	switch key {
	case KeyPrimary:
		k, err := provider.ParseKey(value)
		if err != nil {
			return err
		}
		s.Primary = k
	case KeyFreeChain:
		chain, err := provider.ParseKeys(value)
		if err != nil {
			return err
		}
		s.FreeChain = chain
	case KeyMaxTokens:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		s.MaxTokens = n
	case KeySystemPrompt:
		s.SystemPrompt = value
	case KeyRateLimitEnabled:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		s.RateLimit.Enabled = b
	case KeyRateLimitUser:
		return setInt(&s.RateLimit.UserLimit, value)
	case KeyRateLimitGuild:
		return setInt(&s.RateLimit.GuildLimit, value)
	case KeyUserRefill:
		return setFloat(&s.RateLimit.UserRefillPerMinute, value)
	case KeyGuildRefill:
		return setFloat(&s.RateLimit.GuildRefillPerMinute, value)
	case KeyModeration:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		s.ModerationEnabled = b
	case KeyModLogChannel:
		s.ModLogChannelID = value
	case KeyBedrockRegion:
		s.setProvider(provider.Bedrock, func(d *provider.Descriptor) { d.Credential = value })
	default:
		return s.applyProviderVar(key, value)
	}
	return nil
}

func (s *Settings) applyProviderVar(key, value string) error {
	for _, k := range provider.AllKeys() {
		prefix := strings.ToUpper(string(k)) + "_"
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		switch strings.TrimPrefix(key, prefix) {
		case "API_KEY":
			s.setProvider(k, func(d *provider.Descriptor) { d.Credential = value })
		case "MODEL":
			s.setProvider(k, func(d *provider.Descriptor) { d.Model = value })
		case "BASE_URL":
			s.setProvider(k, func(d *provider.Descriptor) { d.BaseURL = value })
		default:
			return fmt.Errorf("unknown key")
		}
		return nil
	}
	return fmt.Errorf("unknown key")
}

func (s *Settings) setProvider(k provider.Key, mutate func(*provider.Descriptor)) {
	if s.Providers == nil {
		s.Providers = make(map[provider.Key]provider.Descriptor)
	}
	d, ok := s.Providers[k]
	if !ok {
		d = provider.Catalog[k]
	}
	mutate(&d)
	d.Key = k
	s.Providers[k] = d
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

type providerEntry struct {
	Name     *string `yaml:"name"`
	BaseURL  *string `yaml:"base_url"`
	Model    *string `yaml:"model"`
	APIKey   *string `yaml:"api_key"`
	Free     *bool   `yaml:"free"`
	Protocol *string `yaml:"protocol"`
}

type providerFile struct {
	Primary      string                   `yaml:"primary"`
	FreeChain    []string                 `yaml:"free_chain"`
	MaxTokens    int                      `yaml:"max_tokens"`
	SystemPrompt string                   `yaml:"system_prompt"`
	Providers    map[string]providerEntry `yaml:"providers"`
	RateLimit    *ratelimit.Settings      `yaml:"rate_limit"`
}

// LoadProviderFile overlays a YAML provider table. Fields left out of the file keep
// their current values.
func LoadProviderFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read provider file: %w", err)
	}
	return parseProviderFile(data, s)
}

func parseProviderFile(data []byte, s *Settings) error {
	var f providerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parse provider file: %v", domain.ErrInvalidSettings, err)
	}

	for name, entry := range f.Providers {
		k, err := provider.ParseKey(name)
		if err != nil {
			return fmt.Errorf("%w: provider file: %v", domain.ErrInvalidSettings, err)
		}
		s.setProvider(k, func(d *provider.Descriptor) {
			setIfPresent(&d.DisplayName, entry.Name)
			setIfPresent(&d.BaseURL, entry.BaseURL)
			setIfPresent(&d.Model, entry.Model)
			setIfPresent(&d.Credential, entry.APIKey)
			if entry.Free != nil {
				d.Free = *entry.Free
			}
			if entry.Protocol != nil {
				d.Protocol = provider.Protocol(*entry.Protocol)
			}
		})
	}

	flat := map[string]string{
		KeyPrimary:      f.Primary,
		KeyFreeChain:    strings.Join(f.FreeChain, ","),
		KeySystemPrompt: f.SystemPrompt,
	}
	if f.MaxTokens != 0 {
		flat[KeyMaxTokens] = strconv.Itoa(f.MaxTokens)
	}
	if err := Apply(s, flat); err != nil {
		return err
	}

	if f.RateLimit != nil {
		s.RateLimit = *f.RateLimit
	}
	return nil
}

func setIfPresent(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// ResolveSecrets replaces credential references with the stored secret.
func ResolveSecrets(ctx context.Context, s *Settings, store secrets.SecretStore) error {
	for k, d := range s.Providers {
		value, err := secrets.Resolve(ctx, store, d.Credential)
		if err != nil {
			return fmt.Errorf("resolve %s credential: %w", k, err)
		}
		d.Credential = value
		s.Providers[k] = d
	}
	return nil
}

// Settings builds an epoch from the catalog defaults, the provider file, the
// environment, and finally the persisted overrides, in that order.
func (c *Config) Settings(ctx context.Context, persisted map[string]string, store secrets.SecretStore) (Settings, error) {
	s := DefaultSettings()

	if c.ProvidersFile != "" {
		if err := LoadProviderFile(c.ProvidersFile, &s); err != nil {
			return Settings{}, err
		}
	}
	if err := Apply(&s, c.Overrides); err != nil {
		return Settings{}, fmt.Errorf("environment: %w", err)
	}
	if err := Apply(&s, persisted); err != nil {
		return Settings{}, fmt.Errorf("persisted settings: %w", err)
	}
	if err := ResolveSecrets(ctx, &s, store); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
