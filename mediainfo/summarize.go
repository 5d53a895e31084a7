package mediainfo

import "fmt"

// The functions in this file shape raw extractor output (decoded yt-dlp
// JSON) into the reduced documents returned by the tools. They are pure so
// they can be exercised against fixture payloads.

var summaryFields = []string{
	"id", "title", "duration", "uploader", "uploader_id", "channel",
	"channel_id", "upload_date", "view_count", "like_count", "comment_count",
	"webpage_url", "extractor", "thumbnail", "is_live", "live_status",
}

var fullSummaryFields = []string{"description", "tags", "categories", "thumbnails"}

func summarizeInfo(info map[string]any, full bool) map[string]any {
	out := make(map[string]any, len(summaryFields)+len(fullSummaryFields))
	for _, key := range summaryFields {
		out[key] = info[key]
	}
	if full {
		for _, key := range fullSummaryFields {
			out[key] = info[key]
		}
	}
	return out
}

// safeHeaders extracts the http_headers map from a format entry, falling
// back to the top-level info headers.
func safeHeaders(info map[string]any, format map[string]any) map[string]string {
	for _, source := range []map[string]any{format, info} {
		if source == nil {
			continue
		}
		raw, ok := source["http_headers"].(map[string]any)
		if !ok {
			continue
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	}
	return map[string]string{}
}

func infoFormats(info map[string]any) []map[string]any {
	raw, ok := info["formats"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func flattenFormats(info map[string]any, limit int) []map[string]any {
	items := []map[string]any{}
	for _, f := range infoFormats(info) {
		resolution := f["resolution"]
		if resolution == nil {
			if width, height := f["width"], f["height"]; isTruthyNumber(width) && isTruthyNumber(height) {
				resolution = fmt.Sprintf("%vx%v", width, height)
			}
		}
		items = append(items, map[string]any{
			"format_id":       f["format_id"],
			"ext":             f["ext"],
			"format_note":     f["format_note"],
			"resolution":      resolution,
			"width":           f["width"],
			"height":          f["height"],
			"fps":             f["fps"],
			"vcodec":          f["vcodec"],
			"acodec":          f["acodec"],
			"tbr":             f["tbr"],
			"abr":             f["abr"],
			"filesize":        f["filesize"],
			"filesize_approx": f["filesize_approx"],
			"protocol":        f["protocol"],
			"download_url":    f["url"],
			"manifest_url":    f["manifest_url"],
			"http_headers":    safeHeaders(info, f),
		})
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func isTruthyNumber(v any) bool {
	n, ok := v.(float64)
	return ok && n > 0
}

func asFloat(v any) float64 {
	n, _ := v.(float64)
	return n
}

// pickAudioFormat selects the best audio-only format, or the best format
// with a direct URL when no audio-only track exists. "Best" is highest
// bitrate, then largest size.
func pickAudioFormat(info map[string]any) (map[string]any, error) {
	all := infoFormats(info)

	var audioOnly []map[string]any
	for _, f := range all {
		vcodec, _ := f["vcodec"].(string)
		acodec, hasAcodec := f["acodec"].(string)
		if vcodec == "none" && hasAcodec && acodec != "none" {
			audioOnly = append(audioOnly, f)
		}
	}

	score := func(f map[string]any) (bitrate, size float64) {
		bitrate = asFloat(f["abr"])
		if bitrate == 0 {
			bitrate = asFloat(f["tbr"])
		}
		size = asFloat(f["filesize"])
		if size == 0 {
			size = asFloat(f["filesize_approx"])
		}
		return bitrate, size
	}

	best := func(candidates []map[string]any) map[string]any {
		var top map[string]any
		var topBitrate, topSize float64
		for _, f := range candidates {
			bitrate, size := score(f)
			if top == nil || bitrate > topBitrate || (bitrate == topBitrate && size > topSize) {
				top, topBitrate, topSize = f, bitrate, size
			}
		}
		return top
	}

	if len(audioOnly) > 0 {
		return best(audioOnly), nil
	}

	var withURL []map[string]any
	for _, f := range all {
		if u, _ := f["url"].(string); u != "" {
			withURL = append(withURL, f)
		}
	}
	if len(withURL) == 0 {
		return nil, extractErrorf("No audio stream found")
	}
	return best(withURL), nil
}

// SubtitleTrack is one subtitle language with its available formats.
type SubtitleTrack struct {
	Lang    string           `json:"lang"`
	IsAuto  bool             `json:"is_auto"`
	Formats []SubtitleFormat `json:"formats"`
}

// SubtitleFormat describes one downloadable rendition of a subtitle track.
type SubtitleFormat struct {
	Ext         any `json:"ext"`
	Name        any `json:"name"`
	DownloadURL any `json:"download_url"`
}

func collectSubs(source any, isAuto bool, langs []string) []SubtitleTrack {
	out := []SubtitleTrack{}
	m, ok := source.(map[string]any)
	if !ok {
		return out
	}

	wanted := map[string]bool{}
	for _, l := range langs {
		wanted[l] = true
	}

	for lang, tracks := range m {
		if len(wanted) > 0 && !wanted[lang] {
			continue
		}
		formats := []SubtitleFormat{}
		if list, ok := tracks.([]any); ok {
			for _, entry := range list {
				track, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				formats = append(formats, SubtitleFormat{
					Ext:         track["ext"],
					Name:        track["name"],
					DownloadURL: track["url"],
				})
			}
		}
		out = append(out, SubtitleTrack{Lang: lang, IsAuto: isAuto, Formats: formats})
	}
	return out
}

var subtitleFormatPreference = []string{"vtt", "srt", "srv3", "srv2", "srv1", "ttml"}

// pickSubtitleTrack finds the download URL for the requested language,
// preferring manual tracks unless auto is forced, and preferring the given
// format (else the standard preference order).
func pickSubtitleTrack(info map[string]any, lang string, auto *bool, format string) (url string, isAuto bool, err error) {
	find := func(source any) []map[string]any {
		subs, ok := source.(map[string]any)
		if !ok {
			return nil
		}
		list, ok := subs[lang].([]any)
		if !ok {
			return nil
		}
		tracks := make([]map[string]any, 0, len(list))
		for _, entry := range list {
			if m, ok := entry.(map[string]any); ok {
				tracks = append(tracks, m)
			}
		}
		return tracks
	}

	prefer := subtitleFormatPreference
	if format != "" {
		prefer = []string{format}
	}

	type candidate struct {
		auto   bool
		source any
	}
	var order []candidate
	switch {
	case auto != nil && *auto:
		order = []candidate{{true, info["automatic_captions"]}}
	case auto != nil:
		order = []candidate{{false, info["subtitles"]}}
	default:
		order = []candidate{{false, info["subtitles"]}, {true, info["automatic_captions"]}}
	}

	for _, c := range order {
		tracks := find(c.source)
		if len(tracks) == 0 {
			continue
		}
		for _, pf := range prefer {
			for _, track := range tracks {
				ext, _ := track["ext"].(string)
				u, _ := track["url"].(string)
				if ext == pf && u != "" {
					return u, c.auto, nil
				}
			}
		}
		for _, track := range tracks {
			if u, _ := track["url"].(string); u != "" {
				return u, c.auto, nil
			}
		}
	}

	return "", false, extractErrorf("Subtitle not found")
}
