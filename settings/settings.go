package settings

import (
	"strconv"
	"strings"
)

// Filename is the settings file name under the data directory.
const Filename = "mcp_settings.json"

// Provider is a sanitized translation provider entry.
type Provider struct {
	ID           string            `json:"id"`
	Label        string            `json:"label"`
	BaseURL      string            `json:"base_url"`
	EndpointURL  string            `json:"endpoint_url"`
	Model        string            `json:"model"`
	APIKey       string            `json:"api_key"`
	APIKeyEnv    string            `json:"api_key_env"`
	AuthHeader   string            `json:"auth_header"`
	AuthPrefix   string            `json:"auth_prefix"`
	ExtraHeaders map[string]string `json:"extra_headers"`
	Timeout      float64           `json:"timeout,omitempty"`
	Enabled      bool              `json:"enabled"`
}

// Settings is the persisted MCP configuration.
type Settings struct {
	DefaultProvider string     `json:"default_provider,omitempty"`
	Providers       []Provider `json:"providers"`
}

// Default returns an empty configuration.
func Default() *Settings {
	return &Settings{Providers: []Provider{}}
}

// Clone returns a deep copy that the caller may mutate.
func (s *Settings) Clone() *Settings {
	out := &Settings{
		DefaultProvider: s.DefaultProvider,
		Providers:       make([]Provider, len(s.Providers)),
	}
	copy(out.Providers, s.Providers)
	for i := range out.Providers {
		headers := make(map[string]string, len(out.Providers[i].ExtraHeaders))
		for k, v := range out.Providers[i].ExtraHeaders {
			headers[k] = v
		}
		out.Providers[i].ExtraHeaders = headers
	}
	return out
}

// Provider returns the provider with the given id.
func (s *Settings) Provider(id string) (*Provider, bool) {
	for i := range s.Providers {
		if s.Providers[i].ID == id {
			return &s.Providers[i], true
		}
	}
	return nil, false
}

// Sanitize normalizes a decoded settings document: provider entries need an
// id, duplicate ids keep the first occurrence, and the default provider must
// name a surviving entry.
func Sanitize(raw map[string]any) *Settings {
	out := Default()
	if raw == nil {
		return out
	}

	seen := make(map[string]bool)
	if providers, ok := raw["providers"].([]any); ok {
		for _, entry := range providers {
			p, ok := sanitizeProvider(entry)
			if !ok || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out.Providers = append(out.Providers, p)
		}
	}

	def := asString(raw["default_provider"])
	if def != "" && seen[def] {
		out.DefaultProvider = def
	}
	return out
}

func sanitizeProvider(entry any) (Provider, bool) {
	raw, ok := entry.(map[string]any)
	if !ok {
		return Provider{}, false
	}

	id := asString(raw["id"])
	if id == "" {
		id = asString(raw["name"])
	}
	if id == "" {
		return Provider{}, false
	}

	p := Provider{
		ID:           id,
		Label:        asString(raw["label"]),
		BaseURL:      asString(raw["base_url"]),
		EndpointURL:  asString(raw["endpoint_url"]),
		Model:        asString(raw["model"]),
		APIKey:       asString(raw["api_key"]),
		APIKeyEnv:    asString(raw["api_key_env"]),
		AuthHeader:   "Authorization",
		AuthPrefix:   "Bearer ",
		ExtraHeaders: sanitizeHeaders(raw["extra_headers"]),
		Enabled:      true,
	}
	if p.Label == "" {
		p.Label = id
	}
	if v, isStr := raw["auth_header"].(string); isStr {
		p.AuthHeader = strings.TrimSpace(v)
	}
	if v, isStr := raw["auth_prefix"].(string); isStr {
		p.AuthPrefix = strings.TrimSpace(v)
	}
	if t, ok := asPositiveFloat(raw["timeout"]); ok {
		p.Timeout = t
	}
	if b, ok := coerceBool(raw["enabled"]); ok {
		p.Enabled = b
	}
	return p, true
}

func sanitizeHeaders(raw any) map[string]string {
	out := map[string]string{}
	m, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		vs, ok := v.(string)
		if !ok {
			continue
		}
		kk := strings.TrimSpace(k)
		vv := strings.TrimSpace(vs)
		if kk != "" && vv != "" {
			out[kk] = vv
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asPositiveFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return t, true
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil && f > 0 {
			return f, true
		}
	}
	return 0, false
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		}
	}
	return false, false
}
