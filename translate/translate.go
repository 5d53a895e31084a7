// Package translate sends text through an OpenAI-chat-compatible provider
// configured in the settings store.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/probekit/probekit/settings"
)

const defaultTimeout = 30 * time.Second

// ProviderError reports a configuration or upstream failure for a
// translation provider.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

func providerErrorf(format string, args ...any) *ProviderError {
	return &ProviderError{Message: fmt.Sprintf(format, args...)}
}

// Request is a single translation invocation.
type Request struct {
	Text        string
	Target      string
	Source      string
	ProviderID  string
	Model       string
	Temperature *float64
}

// Result carries the translated text plus the provider and model that
// produced it.
type Result struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Translator resolves providers from the settings store and performs
// chat-completion translation calls.
type Translator struct {
	store *settings.Store
	http  *http.Client
}

// New builds a Translator over the given store.
func New(store *settings.Store, opts ...TranslatorOption) *Translator {
	t := &Translator{store: store, http: &http.Client{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(h *http.Client) TranslatorOption {
	return func(t *Translator) { t.http = h }
}

func (t *Translator) resolveProvider(id string) (*settings.Provider, error) {
	cfg := t.store.Load()

	chosen := id
	if chosen == "" {
		chosen = cfg.DefaultProvider
	}
	if chosen == "" {
		return nil, providerErrorf("No provider configured. Set default_provider in MCP settings.")
	}

	provider, ok := cfg.Provider(chosen)
	if !ok {
		return nil, providerErrorf("Provider not found: %s", chosen)
	}
	if !provider.Enabled {
		return nil, providerErrorf("Provider disabled: %s", chosen)
	}
	return provider, nil
}

func providerEndpoint(p *settings.Provider) string {
	if endpoint := strings.TrimSpace(p.EndpointURL); endpoint != "" {
		return endpoint
	}
	base := strings.TrimSuffix(strings.TrimSpace(p.BaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/v1/chat/completions"
}

func providerHeaders(p *settings.Provider) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	for k, v := range p.ExtraHeaders {
		headers.Set(k, v)
	}

	apiKey := p.APIKey
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		apiKey = os.Getenv(env)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey != "" && p.AuthHeader != "" {
		prefix := p.AuthPrefix
		headers.Set(p.AuthHeader, prefix+apiKey)
	}
	return headers
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Translate performs one translation call. All failure modes surface as
// *ProviderError so callers can report them as tool-level errors.
func (t *Translator) Translate(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, providerErrorf("Missing text to translate.")
	}
	if strings.TrimSpace(req.Target) == "" {
		return nil, providerErrorf("Missing target language.")
	}

	provider, err := t.resolveProvider(req.ProviderID)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(provider.Model)
	}
	if model == "" {
		return nil, providerErrorf("Provider missing model.")
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return nil, providerErrorf("Provider missing endpoint_url or base_url.")
	}

	var systemPrompt string
	if req.Source != "" {
		systemPrompt = fmt.Sprintf("Translate the following text from %s to %s. Return only the translated text.", req.Source, req.Target)
	} else {
		systemPrompt = fmt.Sprintf("Translate the following text to %s. Return only the translated text.", req.Target)
	}

	temperature := 0.2
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	payload := chatPayload{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req.Text},
		},
		Temperature: temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providerErrorf("Provider request failed: %v", err)
	}

	timeout := defaultTimeout
	if provider.Timeout > 0 {
		timeout = time.Duration(provider.Timeout * float64(time.Second))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, providerErrorf("Provider request failed: %v", err)
	}
	httpReq.Header = providerHeaders(provider)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, providerErrorf("Provider request failed: %v", err)
	}
	defer resp.Body.Close()

	var data map[string]any
	decodeErr := json.NewDecoder(resp.Body).Decode(&data)

	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("Provider error (%d)", resp.StatusCode)
		if decodeErr == nil {
			if msg := upstreamErrorMessage(data); msg != "" {
				message = msg
			}
		}
		return nil, providerErrorf("%s", message)
	}
	if decodeErr != nil {
		return nil, providerErrorf("Provider returned non-JSON response.")
	}
	if msg := upstreamErrorMessage(data); msg != "" {
		return nil, providerErrorf("%s", msg)
	}

	translated := extractText(data)
	if translated == "" {
		raw, _ := json.Marshal(data)
		translated = string(raw)
	}

	return &Result{Text: translated, Provider: provider.ID, Model: model}, nil
}

func upstreamErrorMessage(data map[string]any) string {
	errObj, ok := data["error"].(map[string]any)
	if !ok {
		return ""
	}
	if msg, ok := errObj["message"].(string); ok && msg != "" {
		return msg
	}
	return "Provider returned error."
}

// extractText pulls the completion text out of the several response shapes
// OpenAI-compatible providers use: chat choices, legacy text choices, the
// responses-API output_text, and typed output message arrays.
func extractText(data map[string]any) string {
	if choices, ok := data["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			if message, ok := first["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content
				}
			}
			if text, ok := first["text"].(string); ok {
				return text
			}
		}
	}
	if text, ok := data["output_text"].(string); ok {
		return text
	}
	if output, ok := data["output"].([]any); ok {
		var parts []string
		for _, item := range output {
			m, ok := item.(map[string]any)
			if !ok || m["type"] != "message" {
				continue
			}
			content, ok := m["content"].([]any)
			if !ok {
				continue
			}
			for _, part := range content {
				if pm, ok := part.(map[string]any); ok {
					if text, ok := pm["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "")
		}
	}
	return ""
}

// SafeProviders lists the configured providers with secrets removed, for the
// list_providers tool.
func (t *Translator) SafeProviders() map[string]any {
	cfg := t.store.Load()

	providers := make([]map[string]any, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, map[string]any{
			"id":           p.ID,
			"label":        p.Label,
			"model":        p.Model,
			"base_url":     p.BaseURL,
			"endpoint_url": p.EndpointURL,
			"enabled":      p.Enabled,
			"is_default":   p.ID == cfg.DefaultProvider,
		})
	}

	var def any
	if cfg.DefaultProvider != "" {
		def = cfg.DefaultProvider
	}
	return map[string]any{
		"default_provider": def,
		"providers":        providers,
	}
}
