package mediainfo

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Options carries the per-call extraction knobs exposed to tool callers.
type Options struct {
	CookiesPath string  `json:"cookies_path,omitempty" jsonschema:"description=cookies.txt path (optional)"`
	CookiesName string  `json:"cookies_name,omitempty" jsonschema:"description=named cookies profile (optional)"`
	Proxy       string  `json:"proxy,omitempty" jsonschema:"description=proxy URL (optional)"`
	UserAgent   string  `json:"user_agent,omitempty" jsonschema:"description=custom User-Agent (optional)"`
	Referer     string  `json:"referer,omitempty" jsonschema:"description=custom Referer (optional)"`
	Timeout     float64 `json:"timeout,omitempty" jsonschema:"description=socket timeout in seconds (optional)"`
}

var cookieNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// namedCookiesPath maps a cookies profile name (e.g. "youtube") onto a file
// under <dataDir>/cookies, stripping anything that could escape it.
func namedCookiesPath(dataDir, name string) string {
	safe := strings.TrimSpace(cookieNameRe.ReplaceAllString(name, ""))
	if safe == "" {
		return ""
	}
	if !strings.HasSuffix(safe, ".txt") {
		safe += ".txt"
	}
	return filepath.Join(dataDir, "cookies", safe)
}

// DefaultCookiesPath returns the fallback cookies.txt location.
func DefaultCookiesPath(dataDir string) string {
	return filepath.Join(dataDir, "cookies.txt")
}

func (o Options) resolveCookies(dataDir string) string {
	if p := strings.TrimSpace(o.CookiesPath); p != "" {
		return p
	}
	if name := strings.TrimSpace(o.CookiesName); name != "" {
		if p := namedCookiesPath(dataDir, name); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	if p := DefaultCookiesPath(dataDir); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// commandArgs translates the options into yt-dlp flags. The base flags keep
// extraction metadata-only and playlist-free, mirroring what callers of this
// service expect from a probe.
func (o Options) commandArgs(dataDir string) []string {
	args := []string{
		"--dump-single-json",
		"--skip-download",
		"--quiet",
		"--no-warnings",
		"--no-check-certificates",
		"--no-playlist",
		"--no-cache-dir",
	}

	if p := o.resolveCookies(dataDir); p != "" {
		args = append(args, "--cookies", p)
	}
	if proxy := strings.TrimSpace(o.Proxy); proxy != "" {
		args = append(args, "--proxy", proxy)
	}
	if ua := strings.TrimSpace(o.UserAgent); ua != "" {
		args = append(args, "--user-agent", ua)
	}
	if ref := strings.TrimSpace(o.Referer); ref != "" {
		args = append(args, "--referer", ref)
	}
	if o.Timeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(o.Timeout)))
	}
	return args
}
