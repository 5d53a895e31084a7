// Package asr transcribes media audio via an external speech-recognition
// HTTP service. The audio stream is resolved through the media extractor,
// downloaded to a bounded temp file, and posted to the backend.
package asr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/probekit/probekit/mediainfo"
)

// DefaultTimeout bounds the audio download and the transcription call.
const DefaultTimeout = 10 * time.Minute

// TranscribeError reports a failed transcription.
type TranscribeError struct {
	Message string
}

func (e *TranscribeError) Error() string { return e.Message }

func transcribeErrorf(format string, args ...any) *TranscribeError {
	return &TranscribeError{Message: fmt.Sprintf(format, args...)}
}

// AudioResolver resolves the best audio stream for a URL. Implemented by
// *mediainfo.Client.
type AudioResolver interface {
	AudioStream(ctx context.Context, url string, opts mediainfo.Options) (*mediainfo.AudioSource, error)
}

// Config locates and authenticates against the transcription backend.
type Config struct {
	// BaseURL of the ASR service (required). ENV: PROBEKIT_ASR_URL
	BaseURL string `env:"PROBEKIT_ASR_URL"`
	// APIKey passed on every call. ENV: PROBEKIT_ASR_API_KEY
	APIKey string `env:"PROBEKIT_ASR_API_KEY"`
	// AuthHeader carrying the key. ENV: PROBEKIT_ASR_AUTH_HEADER
	AuthHeader string `env:"PROBEKIT_ASR_AUTH_HEADER,default=Authorization"`
	// AuthPrefix prepended to the key. ENV: PROBEKIT_ASR_AUTH_PREFIX
	AuthPrefix string `env:"PROBEKIT_ASR_AUTH_PREFIX,default=Bearer "`
}

// Request is one transcription invocation.
type Request struct {
	URL           string
	Options       mediainfo.Options
	Output        string
	Language      string
	Task          string
	InitialPrompt string
	Encode        bool
	Timeout       time.Duration
	MaxMB         int
}

// Client talks to the transcription backend.
type Client struct {
	cfg      Config
	resolver AudioResolver
	http     *http.Client
	log      *slog.Logger
	tmpDir   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient builds a transcription client. tmpDir hosts in-flight audio
// downloads.
func NewClient(cfg Config, resolver AudioResolver, tmpDir string, opts ...ClientOption) *Client {
	c := &Client{
		cfg:      cfg,
		resolver: resolver,
		http:     &http.Client{},
		log:      slog.Default(),
		tmpDir:   tmpDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpointAndHeaders() (string, http.Header, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		return "", nil, transcribeErrorf("ASR backend not configured; set PROBEKIT_ASR_URL")
	}

	headers := http.Header{}
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		header := strings.TrimSpace(c.cfg.AuthHeader)
		if header == "" {
			header = "Authorization"
		}
		headers.Set(header, c.cfg.AuthPrefix+key)
	}
	return base + "/asr", headers, nil
}

// downloadAudio streams the audio URL into a temp file, refusing anything
// larger than maxMB (when positive), both up front via Content-Length and
// while copying.
func (c *Client) downloadAudio(ctx context.Context, src *mediainfo.AudioSource, maxMB int) (string, error) {
	if err := os.MkdirAll(c.tmpDir, 0o700); err != nil {
		return "", transcribeErrorf("temp dir: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.DownloadURL, nil)
	if err != nil {
		return "", transcribeErrorf("audio request: %v", err)
	}
	for k, v := range src.HTTPHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transcribeErrorf("audio download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", transcribeErrorf("audio download failed: status %d", resp.StatusCode)
	}

	var maxBytes int64
	if maxMB > 0 {
		maxBytes = int64(maxMB) << 20
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxBytes {
				return "", transcribeErrorf("audio exceeds size limit (>%dMB)", maxMB)
			}
		}
	}

	suffix := ".audio"
	if src.Ext != "" {
		suffix = "." + src.Ext
	}
	tmp, err := os.CreateTemp(c.tmpDir, "audio-*"+suffix)
	if err != nil {
		return "", transcribeErrorf("temp file: %v", err)
	}

	var total int64
	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				tmp.Close()
				os.Remove(tmp.Name())
				return "", transcribeErrorf("audio exceeds size limit (>%dMB)", maxMB)
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				return "", transcribeErrorf("temp write: %v", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", transcribeErrorf("audio download failed: %v", readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", transcribeErrorf("temp write: %v", err)
	}
	return tmp.Name(), nil
}

// Transcribe resolves, downloads, and transcribes the audio for req.URL.
func (c *Client) Transcribe(ctx context.Context, req Request) (map[string]any, error) {
	endpoint, headers, err := c.endpointAndHeaders()
	if err != nil {
		return nil, err
	}

	src, err := c.resolver.AudioStream(ctx, req.URL, req.Options)
	if err != nil {
		return nil, transcribeErrorf("audio resolve failed: %v", err)
	}
	if src.DownloadURL == "" {
		return nil, transcribeErrorf("no direct audio URL available")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpPath, err := c.downloadAudio(callCtx, src, req.MaxMB)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	output := req.Output
	if output == "" {
		output = "srt"
	}
	task := req.Task
	if task == "" {
		task = "transcribe"
	}

	query := url.Values{}
	query.Set("output", output)
	query.Set("task", task)
	query.Set("encode", strconv.FormatBool(req.Encode))
	if req.Language != "" {
		query.Set("language", req.Language)
	}
	if req.InitialPrompt != "" {
		query.Set("initial_prompt", req.InitialPrompt)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		file, err := os.Open(tmpPath)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		defer file.Close()

		part, err := form.CreateFormFile("audio_file", filepath.Base(tmpPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"?"+query.Encode(), pr)
	if err != nil {
		return nil, transcribeErrorf("ASR request failed: %v", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transcribeErrorf("ASR request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transcribeErrorf("ASR request failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		return nil, transcribeErrorf("ASR request failed: status %d", resp.StatusCode)
	}

	return map[string]any{
		"output":  output,
		"content": string(body),
	}, nil
}
