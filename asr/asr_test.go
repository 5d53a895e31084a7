package asr

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/probekit/probekit/mediainfo"
)

type fixedResolver struct {
	src *mediainfo.AudioSource
	err error
}

func (f fixedResolver) AudioStream(ctx context.Context, url string, opts mediainfo.Options) (*mediainfo.AudioSource, error) {
	return f.src, f.err
}

func TestTranscribeRequiresBackend(t *testing.T) {
	c := NewClient(Config{}, fixedResolver{}, t.TempDir())
	_, err := c.Transcribe(context.Background(), Request{URL: "https://example.com/v"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "PROBEKIT_ASR_URL") {
		t.Fatalf("expected configuration hint, got %q", err.Error())
	}
}

func TestTranscribeHappyPath(t *testing.T) {
	audio := bytes.Repeat([]byte("x"), 4096)
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "probe-agent" {
			t.Errorf("expected forwarded headers, got %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write(audio)
	}))
	defer audioSrv.Close()

	var captured struct {
		path  string
		query map[string]string
		auth  string
		size  int
	}
	asrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.query = map[string]string{}
		for k := range r.URL.Query() {
			captured.query[k] = r.URL.Query().Get(k)
		}
		captured.auth = r.Header.Get("Authorization")

		file, _, err := r.FormFile("audio_file")
		if err != nil {
			t.Errorf("expected audio_file part: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		captured.size = len(data)

		_, _ = w.Write([]byte("1\n00:00:00,000 --> 00:00:01,000\nhello\n"))
	}))
	defer asrSrv.Close()

	c := NewClient(
		Config{BaseURL: asrSrv.URL, APIKey: "k", AuthHeader: "Authorization", AuthPrefix: "Bearer "},
		fixedResolver{src: &mediainfo.AudioSource{
			Ext:         "webm",
			DownloadURL: audioSrv.URL + "/a.webm",
			HTTPHeaders: map[string]string{"User-Agent": "probe-agent"},
		}},
		t.TempDir(),
	)

	out, err := c.Transcribe(context.Background(), Request{
		URL:      "https://example.com/v",
		Language: "en",
		Encode:   true,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if captured.path != "/asr" {
		t.Fatalf("expected /asr endpoint, got %q", captured.path)
	}
	if captured.auth != "Bearer k" {
		t.Fatalf("expected auth header, got %q", captured.auth)
	}
	if captured.query["output"] != "srt" || captured.query["task"] != "transcribe" {
		t.Fatalf("expected defaulted query, got %v", captured.query)
	}
	if captured.query["encode"] != "true" || captured.query["language"] != "en" {
		t.Fatalf("unexpected query %v", captured.query)
	}
	if captured.size != len(audio) {
		t.Fatalf("expected %d audio bytes uploaded, got %d", len(audio), captured.size)
	}

	if out["output"] != "srt" {
		t.Fatalf("expected srt output, got %v", out["output"])
	}
	if content, _ := out["content"].(string); !strings.Contains(content, "hello") {
		t.Fatalf("unexpected content %v", out["content"])
	}
}

func TestTranscribeSizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("y"), 3<<20)

	t.Run("rejected via content length", func(t *testing.T) {
		audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(big)))
			w.Write(big)
		}))
		defer audioSrv.Close()

		c := NewClient(Config{BaseURL: "http://asr.invalid"}, fixedResolver{src: &mediainfo.AudioSource{
			DownloadURL: audioSrv.URL,
		}}, t.TempDir())

		_, err := c.Transcribe(context.Background(), Request{URL: "u", MaxMB: 2})
		if err == nil || !strings.Contains(err.Error(), "size limit") {
			t.Fatalf("expected size limit error, got %v", err)
		}
	})

	t.Run("rejected while streaming", func(t *testing.T) {
		audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Chunked response hides the length up front.
			f := w.(http.Flusher)
			for i := 0; i < 3; i++ {
				w.Write(bytes.Repeat([]byte("z"), 1<<20))
				f.Flush()
			}
		}))
		defer audioSrv.Close()

		tmp := t.TempDir()
		c := NewClient(Config{BaseURL: "http://asr.invalid"}, fixedResolver{src: &mediainfo.AudioSource{
			DownloadURL: audioSrv.URL,
		}}, tmp)

		_, err := c.Transcribe(context.Background(), Request{URL: "u", MaxMB: 2})
		if err == nil || !strings.Contains(err.Error(), "size limit") {
			t.Fatalf("expected size limit error, got %v", err)
		}

		// The partial download must not survive.
		entries, readErr := os.ReadDir(tmp)
		if readErr != nil {
			t.Fatalf("read temp dir: %v", readErr)
		}
		if len(entries) != 0 {
			t.Fatalf("expected temp files cleaned up, found %d", len(entries))
		}
	})
}

func TestTranscribeResolverFailure(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://asr.invalid"}, fixedResolver{err: &mediainfo.ExtractError{Message: "No audio stream found"}}, t.TempDir())

	_, err := c.Transcribe(context.Background(), Request{URL: "u"})
	if err == nil || !strings.Contains(err.Error(), "No audio stream found") {
		t.Fatalf("expected resolver error surfaced, got %v", err)
	}
}

func TestTranscribeNoDirectURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://asr.invalid"}, fixedResolver{src: &mediainfo.AudioSource{}}, t.TempDir())

	_, err := c.Transcribe(context.Background(), Request{URL: "u"})
	if err == nil || !strings.Contains(err.Error(), "no direct audio URL") {
		t.Fatalf("expected missing URL error, got %v", err)
	}
}

func TestTranscribeBackendError(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio"))
	}))
	defer audioSrv.Close()

	asrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer asrSrv.Close()

	c := NewClient(Config{BaseURL: asrSrv.URL}, fixedResolver{src: &mediainfo.AudioSource{
		DownloadURL: audioSrv.URL,
	}}, t.TempDir())

	_, err := c.Transcribe(context.Background(), Request{URL: "u"})
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("expected backend status error, got %v", err)
	}
}
