package mediainfo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

const defaultFetchTimeout = 30 * time.Second

// runner executes the extractor binary and returns its stdout. Swappable in
// tests.
type runner func(ctx context.Context, args []string, url string) ([]byte, error)

// Client extracts media metadata by shelling out to a yt-dlp compatible
// binary. All methods are metadata-only; nothing is ever downloaded to disk
// except subtitle text fetched over HTTP when requested.
type Client struct {
	binary  string
	dataDir string
	log     *slog.Logger
	http    *http.Client
	run     runner
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBinary overrides the extractor binary path (default "yt-dlp").
func WithBinary(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the HTTP client used for subtitle fetches.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func withRunner(r runner) ClientOption {
	return func(c *Client) { c.run = r }
}

// NewClient builds a Client rooted at dataDir (used to resolve cookies
// files).
func NewClient(dataDir string, opts ...ClientOption) *Client {
	c := &Client{
		binary:  "yt-dlp",
		dataDir: dataDir,
		log:     slog.Default(),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.run == nil {
		c.run = c.execRun
	}
	return c
}

func (c *Client) execRun(ctx context.Context, args []string, url string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, append(args, "--", url)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.log.DebugContext(ctx, "mediainfo.exec",
		slog.String("binary", c.binary),
		slog.Duration("dur", time.Since(start)),
	)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, extractErrorf("%s", lastLine(msg))
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// extractInfo runs an extraction and unwraps playlist results to their first
// entry, so that URLs resolving to one-video playlists behave like plain
// video URLs.
func (c *Client) extractInfo(ctx context.Context, url string, opts Options) (map[string]any, error) {
	out, err := c.run(ctx, opts.commandArgs(c.dataDir), url)
	if err != nil {
		return nil, err
	}

	var info map[string]any
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, extractErrorf("Failed to extract info")
	}

	if t, _ := info["_type"].(string); t == "playlist" {
		if entries, ok := info["entries"].([]any); ok {
			for _, entry := range entries {
				if first, ok := entry.(map[string]any); ok {
					info = first
					break
				}
			}
		}
	}
	if info == nil {
		return nil, extractErrorf("Failed to extract info")
	}
	return info, nil
}

// Probe returns a reduced metadata document for the given URL.
func (c *Client) Probe(ctx context.Context, url string, opts Options, full bool) (map[string]any, error) {
	info, err := c.extractInfo(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return summarizeInfo(info, full), nil
}

// Formats lists the available formats with their direct download URLs.
func (c *Client) Formats(ctx context.Context, url string, opts Options, limit int) (map[string]any, error) {
	info, err := c.extractInfo(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":           info["id"],
		"title":        info["title"],
		"webpage_url":  info["webpage_url"],
		"http_headers": safeHeaders(info, nil),
		"formats":      flattenFormats(info, limit),
	}, nil
}

// ListSubs lists manual and/or automatic subtitle tracks.
func (c *Client) ListSubs(ctx context.Context, url string, opts Options, includeAuto, includeManual bool, langs []string) (map[string]any, error) {
	info, err := c.extractInfo(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	subtitles := []SubtitleTrack{}
	if includeManual {
		subtitles = append(subtitles, collectSubs(info["subtitles"], false, langs)...)
	}
	if includeAuto {
		subtitles = append(subtitles, collectSubs(info["automatic_captions"], true, langs)...)
	}

	return map[string]any{
		"id":           info["id"],
		"title":        info["title"],
		"webpage_url":  info["webpage_url"],
		"http_headers": safeHeaders(info, nil),
		"subtitles":    subtitles,
	}, nil
}

// DownloadSubs resolves a subtitle track and either returns its direct link
// or fetches the subtitle text.
func (c *Client) DownloadSubs(ctx context.Context, url, lang string, opts Options, format string, auto *bool, linkOnly bool) (map[string]any, error) {
	info, err := c.extractInfo(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	subURL, isAuto, err := pickSubtitleTrack(info, lang, auto, format)
	if err != nil {
		return nil, err
	}
	headers := safeHeaders(info, nil)

	var fmtField any
	if format != "" {
		fmtField = format
	}

	if linkOnly {
		return map[string]any{
			"lang":         lang,
			"format":       fmtField,
			"is_auto":      isAuto,
			"download_url": subURL,
			"http_headers": headers,
		}, nil
	}

	timeout := defaultFetchTimeout
	if opts.Timeout > 0 {
		timeout = time.Duration(opts.Timeout) * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, subURL, nil)
	if err != nil {
		return nil, extractErrorf("Subtitle fetch failed: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, extractErrorf("Subtitle fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, extractErrorf("Subtitle fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, extractErrorf("Subtitle fetch failed: %v", err)
	}

	return map[string]any{
		"lang":    lang,
		"format":  fmtField,
		"is_auto": isAuto,
		"content": string(body),
	}, nil
}

// AudioSource describes the best available audio stream for a URL.
type AudioSource struct {
	ID          any               `json:"id"`
	Title       any               `json:"title"`
	WebpageURL  any               `json:"webpage_url"`
	FormatID    any               `json:"format_id"`
	Ext         string            `json:"ext"`
	ACodec      any               `json:"acodec"`
	ABR         any               `json:"abr"`
	Filesize    any               `json:"filesize"`
	DownloadURL string            `json:"download_url"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

// AudioStream picks the best audio stream for the given URL.
func (c *Client) AudioStream(ctx context.Context, url string, opts Options) (*AudioSource, error) {
	info, err := c.extractInfo(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	format, err := pickAudioFormat(info)
	if err != nil {
		return nil, err
	}

	filesize := format["filesize"]
	if filesize == nil {
		filesize = format["filesize_approx"]
	}
	ext, _ := format["ext"].(string)
	downloadURL, _ := format["url"].(string)

	return &AudioSource{
		ID:          info["id"],
		Title:       info["title"],
		WebpageURL:  info["webpage_url"],
		FormatID:    format["format_id"],
		Ext:         ext,
		ACodec:      format["acodec"],
		ABR:         format["abr"],
		Filesize:    filesize,
		DownloadURL: downloadURL,
		HTTPHeaders: safeHeaders(info, format),
	}, nil
}

// Version reports the extractor binary version.
func (c *Client) Version(ctx context.Context) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, c.binary, "--version")
	out, err := cmd.Output()
	if err != nil {
		return nil, extractErrorf("version probe failed: %v", err)
	}
	return map[string]any{"version": strings.TrimSpace(string(out))}, nil
}
