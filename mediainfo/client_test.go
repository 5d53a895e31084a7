package mediainfo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func fixtureRunner(t *testing.T, info map[string]any) runner {
	t.Helper()
	out, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return func(ctx context.Context, args []string, url string) ([]byte, error) {
		return out, nil
	}
}

func TestProbe(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"id":          "vid",
		"title":       "T",
		"description": "D",
	})))

	out, err := c.Probe(context.Background(), "https://example.com/v", Options{}, false)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if out["id"] != "vid" {
		t.Fatalf("expected id vid, got %v", out["id"])
	}
	if out["description"] != nil {
		t.Fatal("expected description omitted without full")
	}
}

func TestProbeUnwrapsPlaylist(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"_type": "playlist",
		"entries": []any{
			map[string]any{"id": "first", "title": "First"},
			map[string]any{"id": "second"},
		},
	})))

	out, err := c.Probe(context.Background(), "https://example.com/list", Options{}, false)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if out["id"] != "first" {
		t.Fatalf("expected first playlist entry, got %v", out["id"])
	}
}

func TestExtractErrorOnBadOutput(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(func(ctx context.Context, args []string, url string) ([]byte, error) {
		return []byte("not json"), nil
	}))

	_, err := c.Probe(context.Background(), "https://example.com/v", Options{}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *ExtractError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExtractError, got %T", err)
	}
	if ee.Message != "Failed to extract info" {
		t.Fatalf("unexpected message %q", ee.Message)
	}
}

func TestFormats(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"id":          "vid",
		"title":       "T",
		"webpage_url": "https://example.com/v",
		"formats": []any{
			map[string]any{"format_id": "18", "url": "https://cdn/18"},
			map[string]any{"format_id": "22", "url": "https://cdn/22"},
		},
	})))

	out, err := c.Formats(context.Background(), "https://example.com/v", Options{}, 1)
	if err != nil {
		t.Fatalf("Formats: %v", err)
	}
	formats, ok := out["formats"].([]map[string]any)
	if !ok || len(formats) != 1 {
		t.Fatalf("expected 1 format after limit, got %v", out["formats"])
	}
	if formats[0]["download_url"] != "https://cdn/18" {
		t.Fatalf("unexpected download_url %v", formats[0]["download_url"])
	}
}

func TestDownloadSubsLinkOnly(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"subtitles": map[string]any{
			"en": []any{map[string]any{"ext": "vtt", "url": "https://subs/en.vtt"}},
		},
	})))

	out, err := c.DownloadSubs(context.Background(), "https://example.com/v", "en", Options{}, "", nil, true)
	if err != nil {
		t.Fatalf("DownloadSubs: %v", err)
	}
	if out["download_url"] != "https://subs/en.vtt" {
		t.Fatalf("expected link, got %v", out["download_url"])
	}
	if out["is_auto"] != false {
		t.Fatalf("expected manual track, got %v", out["is_auto"])
	}
	if _, present := out["content"]; present {
		t.Fatal("link_only must not fetch content")
	}
}

func TestDownloadSubsFetchesContent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("WEBVTT\n"))
	}))
	defer srv.Close()

	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"http_headers": map[string]any{"User-Agent": "probe-agent"},
		"subtitles": map[string]any{
			"en": []any{map[string]any{"ext": "vtt", "url": srv.URL + "/en.vtt"}},
		},
	})))

	out, err := c.DownloadSubs(context.Background(), "https://example.com/v", "en", Options{}, "", nil, false)
	if err != nil {
		t.Fatalf("DownloadSubs: %v", err)
	}
	if out["content"] != "WEBVTT\n" {
		t.Fatalf("unexpected content %v", out["content"])
	}
	if gotUA != "probe-agent" {
		t.Fatalf("expected extractor headers forwarded, got %q", gotUA)
	}
}

func TestDownloadSubsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"subtitles": map[string]any{
			"en": []any{map[string]any{"ext": "vtt", "url": srv.URL + "/en.vtt"}},
		},
	})))

	_, err := c.DownloadSubs(context.Background(), "https://example.com/v", "en", Options{}, "", nil, false)
	if err == nil || err.Error() != "Subtitle fetch failed: status 403" {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAudioStream(t *testing.T) {
	c := NewClient(t.TempDir(), withRunner(fixtureRunner(t, map[string]any{
		"id":    "vid",
		"title": "T",
		"formats": []any{
			map[string]any{"format_id": "a", "vcodec": "none", "acodec": "opus", "abr": 128.0, "ext": "webm", "url": "https://cdn/a", "filesize": 1000.0},
		},
	})))

	src, err := c.AudioStream(context.Background(), "https://example.com/v", Options{})
	if err != nil {
		t.Fatalf("AudioStream: %v", err)
	}
	if src.DownloadURL != "https://cdn/a" || src.Ext != "webm" {
		t.Fatalf("unexpected source %+v", src)
	}
	if src.Filesize != 1000.0 {
		t.Fatalf("expected filesize carried, got %v", src.Filesize)
	}
}

func TestCommandArgs(t *testing.T) {
	dir := t.TempDir()

	base := Options{}.commandArgs(dir)
	for _, want := range []string{"--dump-single-json", "--skip-download", "--no-playlist"} {
		if !slices.Contains(base, want) {
			t.Fatalf("expected %s in base args %v", want, base)
		}
	}
	if slices.Contains(base, "--cookies") {
		t.Fatal("no cookies flag expected without a cookies file")
	}

	opts := Options{Proxy: "http://proxy:8080", UserAgent: "ua", Referer: "https://r", Timeout: 9.7}
	args := opts.commandArgs(dir)
	assertPair := func(flag, value string) {
		t.Helper()
		i := slices.Index(args, flag)
		if i < 0 || i+1 >= len(args) {
			t.Fatalf("missing %s in %v", flag, args)
		}
		if args[i+1] != value {
			t.Fatalf("expected %s %s, got %s", flag, value, args[i+1])
		}
	}
	assertPair("--proxy", "http://proxy:8080")
	assertPair("--user-agent", "ua")
	assertPair("--referer", "https://r")
	assertPair("--socket-timeout", "9")
}

func TestResolveCookies(t *testing.T) {
	dir := t.TempDir()

	if got := (Options{}).resolveCookies(dir); got != "" {
		t.Fatalf("expected no cookies, got %q", got)
	}

	explicit := filepath.Join(dir, "custom.txt")
	if got := (Options{CookiesPath: explicit}).resolveCookies(dir); got != explicit {
		t.Fatalf("expected explicit path honored, got %q", got)
	}

	named := filepath.Join(dir, "cookies", "youtube.txt")
	if err := os.MkdirAll(filepath.Dir(named), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(named, []byte("# cookies"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := (Options{CookiesName: "youtube"}).resolveCookies(dir); got != named {
		t.Fatalf("expected named profile, got %q", got)
	}
	// Path traversal characters are stripped from profile names.
	if got := (Options{CookiesName: "../youtube"}).resolveCookies(dir); got != named {
		t.Fatalf("expected sanitized profile, got %q", got)
	}

	fallback := filepath.Join(dir, "cookies.txt")
	if err := os.WriteFile(fallback, []byte("# cookies"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := (Options{}).resolveCookies(dir); got != fallback {
		t.Fatalf("expected default cookies.txt, got %q", got)
	}
}
