package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitize(t *testing.T) {
	t.Run("nil input yields defaults", func(t *testing.T) {
		s := Sanitize(nil)
		if s.DefaultProvider != "" {
			t.Fatalf("expected no default, got %q", s.DefaultProvider)
		}
		if len(s.Providers) != 0 {
			t.Fatalf("expected no providers, got %d", len(s.Providers))
		}
	})

	t.Run("drops entries without id", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"providers": []any{
				map[string]any{"label": "anonymous"},
				map[string]any{"id": "good"},
				"not an object",
			},
		})
		if len(s.Providers) != 1 || s.Providers[0].ID != "good" {
			t.Fatalf("expected only 'good', got %+v", s.Providers)
		}
	})

	t.Run("dedupes by id keeping first", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"providers": []any{
				map[string]any{"id": "p", "model": "first"},
				map[string]any{"id": "p", "model": "second"},
			},
		})
		if len(s.Providers) != 1 {
			t.Fatalf("expected 1 provider, got %d", len(s.Providers))
		}
		if s.Providers[0].Model != "first" {
			t.Fatalf("expected first occurrence kept, got %q", s.Providers[0].Model)
		}
	})

	t.Run("default must name a surviving provider", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"default_provider": "ghost",
			"providers":        []any{map[string]any{"id": "real"}},
		})
		if s.DefaultProvider != "" {
			t.Fatalf("expected dangling default cleared, got %q", s.DefaultProvider)
		}

		s = Sanitize(map[string]any{
			"default_provider": "real",
			"providers":        []any{map[string]any{"id": "real"}},
		})
		if s.DefaultProvider != "real" {
			t.Fatalf("expected default kept, got %q", s.DefaultProvider)
		}
	})

	t.Run("fills provider defaults", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"providers": []any{map[string]any{"id": "p"}},
		})
		p := s.Providers[0]
		if p.Label != "p" {
			t.Fatalf("expected label defaulted to id, got %q", p.Label)
		}
		if p.AuthHeader != "Authorization" || p.AuthPrefix != "Bearer " {
			t.Fatalf("unexpected auth defaults %q/%q", p.AuthHeader, p.AuthPrefix)
		}
		if !p.Enabled {
			t.Fatal("expected enabled default true")
		}
	})

	t.Run("coerces timeout and enabled", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"providers": []any{map[string]any{
				"id":      "p",
				"timeout": "12.5",
				"enabled": "no",
			}},
		})
		p := s.Providers[0]
		if p.Timeout != 12.5 {
			t.Fatalf("expected timeout 12.5, got %v", p.Timeout)
		}
		if p.Enabled {
			t.Fatal("expected enabled coerced to false")
		}

		s = Sanitize(map[string]any{
			"providers": []any{map[string]any{"id": "p", "timeout": -3.0}},
		})
		if s.Providers[0].Timeout != 0 {
			t.Fatalf("expected non-positive timeout dropped, got %v", s.Providers[0].Timeout)
		}
	})

	t.Run("extra headers keep only string pairs", func(t *testing.T) {
		s := Sanitize(map[string]any{
			"providers": []any{map[string]any{
				"id": "p",
				"extra_headers": map[string]any{
					"X-Ok":    "yes",
					"X-Bad":   7,
					"  ":      "blank key",
					"X-Empty": " ",
				},
			}},
		})
		headers := s.Providers[0].ExtraHeaders
		if len(headers) != 1 || headers["X-Ok"] != "yes" {
			t.Fatalf("unexpected headers %v", headers)
		}
	})
}

func TestCloneIsIndependent(t *testing.T) {
	original := &Settings{
		DefaultProvider: "p",
		Providers: []Provider{{
			ID:           "p",
			ExtraHeaders: map[string]string{"X-A": "1"},
		}},
	}

	clone := original.Clone()
	clone.Providers[0].ID = "changed"
	clone.Providers[0].ExtraHeaders["X-A"] = "2"

	if original.Providers[0].ID != "p" {
		t.Fatal("clone shares provider slice with original")
	}
	if original.Providers[0].ExtraHeaders["X-A"] != "1" {
		t.Fatal("clone shares header map with original")
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	in := &Settings{
		DefaultProvider: "deepl",
		Providers: []Provider{{
			ID:         "deepl",
			Label:      "DeepL",
			BaseURL:    "https://api.example.com",
			Model:      "m1",
			AuthHeader: "Authorization",
			AuthPrefix: "Bearer ",
			Enabled:    true,
		}},
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat settings file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}

	loaded := store.Load()
	if loaded.DefaultProvider != "deepl" {
		t.Fatalf("expected default deepl, got %q", loaded.DefaultProvider)
	}
	if len(loaded.Providers) != 1 || loaded.Providers[0].Label != "DeepL" {
		t.Fatalf("unexpected providers %+v", loaded.Providers)
	}

	// No leftover temp files after the atomic rename.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the settings file, got %d entries", len(entries))
	}
}

func TestStoreLoadMissingAndInvalid(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	s := store.Load()
	if len(s.Providers) != 0 || s.DefaultProvider != "" {
		t.Fatalf("expected defaults for missing file, got %+v", s)
	}

	if err := os.WriteFile(store.Path(), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	s = store.Load()
	if len(s.Providers) != 0 {
		t.Fatalf("expected defaults for corrupt file, got %+v", s)
	}
}

func TestStoreSaveSanitizes(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	// A default pointing at a nonexistent provider must not be persisted.
	if err := store.Save(&Settings{DefaultProvider: "ghost"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		t.Fatalf("read settings file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode settings file: %v", err)
	}
	if _, present := raw["default_provider"]; present {
		t.Fatalf("expected dangling default dropped, got %s", data)
	}
}
