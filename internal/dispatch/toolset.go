package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/probekit/probekit/asr"
	"github.com/probekit/probekit/mcp"
	"github.com/probekit/probekit/mediainfo"
	"github.com/probekit/probekit/translate"
)

// MediaExtractor is the metadata/extraction collaborator.
type MediaExtractor interface {
	Probe(ctx context.Context, url string, opts mediainfo.Options, full bool) (map[string]any, error)
	Formats(ctx context.Context, url string, opts mediainfo.Options, limit int) (map[string]any, error)
	ListSubs(ctx context.Context, url string, opts mediainfo.Options, includeAuto, includeManual bool, langs []string) (map[string]any, error)
	DownloadSubs(ctx context.Context, url, lang string, opts mediainfo.Options, format string, auto *bool, linkOnly bool) (map[string]any, error)
	Version(ctx context.Context) (map[string]any, error)
}

// TextTranslator is the translation collaborator.
type TextTranslator interface {
	Translate(ctx context.Context, req translate.Request) (*translate.Result, error)
	SafeProviders() map[string]any
}

// Transcriber is the speech-transcription collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, req asr.Request) (map[string]any, error)
}

type toolHandler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

type registeredTool struct {
	desc    mcp.Tool
	handler toolHandler
}

// Toolbox is the static catalog of callable tools. Descriptors are built
// once at construction; handlers delegate to the collaborators and report
// their failures as ordinary errors, which the dispatcher downgrades to
// tool-level results.
type Toolbox struct {
	tools []registeredTool
	index map[string]int
}

// argument structs; json tags define the wire names and the reflected
// schemas advertised by tools/list.

type translateArgs struct {
	Text        string   `json:"text" jsonschema:"description=text to translate"`
	Target      string   `json:"target" jsonschema:"description=target language such as zh or en"`
	Source      string   `json:"source,omitempty" jsonschema:"description=source language (optional)"`
	Provider    string   `json:"provider,omitempty" jsonschema:"description=provider id (optional)"`
	Model       string   `json:"model,omitempty" jsonschema:"description=model name override (optional)"`
	Temperature *float64 `json:"temperature,omitempty" jsonschema:"description=sampling temperature (optional)"`
}

type listProvidersArgs struct{}

type probeArgs struct {
	URL     string            `json:"url" jsonschema:"description=media URL"`
	Full    bool              `json:"full,omitempty" jsonschema:"description=include extended fields"`
	Options mediainfo.Options `json:"options,omitempty"`
}

type formatsArgs struct {
	URL     string            `json:"url" jsonschema:"description=media URL"`
	Limit   int               `json:"limit,omitempty" jsonschema:"description=maximum number of formats returned"`
	Options mediainfo.Options `json:"options,omitempty"`
}

type listSubsArgs struct {
	URL           string            `json:"url" jsonschema:"description=media URL"`
	Langs         []string          `json:"langs,omitempty" jsonschema:"description=restrict to these languages"`
	IncludeAuto   *bool             `json:"include_auto,omitempty" jsonschema:"description=include automatic captions"`
	IncludeManual *bool             `json:"include_manual,omitempty" jsonschema:"description=include manual subtitles"`
	Options       mediainfo.Options `json:"options,omitempty"`
}

type downloadSubsArgs struct {
	URL      string            `json:"url" jsonschema:"description=media URL"`
	Lang     string            `json:"lang" jsonschema:"description=language such as zh or en"`
	Format   string            `json:"format,omitempty" jsonschema:"description=subtitle format such as vtt or srt"`
	Auto     *bool             `json:"auto,omitempty" jsonschema:"description=use automatic captions"`
	LinkOnly bool              `json:"link_only,omitempty" jsonschema:"description=return only the download link"`
	Options  mediainfo.Options `json:"options,omitempty"`
}

type transcribeArgs struct {
	URL           string            `json:"url" jsonschema:"description=media URL"`
	Output        string            `json:"output,omitempty" jsonschema:"description=output format: srt vtt txt or json"`
	Language      string            `json:"language,omitempty" jsonschema:"description=language code (optional)"`
	Task          string            `json:"task,omitempty" jsonschema:"description=transcribe or translate"`
	InitialPrompt string            `json:"initial_prompt,omitempty" jsonschema:"description=initial prompt (optional)"`
	Encode        *bool             `json:"encode,omitempty" jsonschema:"description=re-encode audio before transcription"`
	Timeout       int               `json:"timeout,omitempty" jsonschema:"description=timeout in seconds (optional)"`
	MaxMB         int               `json:"max_mb,omitempty" jsonschema:"description=maximum download size in MB (optional)"`
	Options       mediainfo.Options `json:"options,omitempty"`
}

type versionArgs struct{}

// NewToolbox wires the collaborators into the static tool catalog.
func NewToolbox(media MediaExtractor, translator TextTranslator, transcriber Transcriber) *Toolbox {
	tb := &Toolbox{index: make(map[string]int)}

	tb.register(mcp.Tool{
		Name:        "translate",
		Description: "Translate text using the configured provider.",
		InputSchema: reflectInputSchema[translateArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a translateArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		res, err := translator.Translate(ctx, translate.Request{
			Text:        a.Text,
			Target:      a.Target,
			Source:      a.Source,
			ProviderID:  a.Provider,
			Model:       a.Model,
			Temperature: a.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(res.Text), nil
	})

	tb.register(mcp.Tool{
		Name:        "list_providers",
		Description: "List configured translation providers without secrets.",
		InputSchema: reflectInputSchema[listProvidersArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		return jsonContent(translator.SafeProviders())
	})

	tb.register(mcp.Tool{
		Name:        "probe",
		Description: "Fetch media metadata without downloading anything.",
		InputSchema: reflectInputSchema[probeArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a probeArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		url, err := requiredString(a.URL, "url")
		if err != nil {
			return nil, err
		}
		result, err := media.Probe(ctx, url, a.Options, a.Full)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	tb.register(mcp.Tool{
		Name:        "formats",
		Description: "List available formats and direct download URLs.",
		InputSchema: reflectInputSchema[formatsArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a formatsArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		url, err := requiredString(a.URL, "url")
		if err != nil {
			return nil, err
		}
		limit := 0
		if a.Limit > 0 {
			limit = a.Limit
		}
		result, err := media.Formats(ctx, url, a.Options, limit)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	tb.register(mcp.Tool{
		Name:        "list_subs",
		Description: "List subtitle tracks with direct download URLs.",
		InputSchema: reflectInputSchema[listSubsArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a listSubsArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		url, err := requiredString(a.URL, "url")
		if err != nil {
			return nil, err
		}
		includeAuto := a.IncludeAuto == nil || *a.IncludeAuto
		includeManual := a.IncludeManual == nil || *a.IncludeManual
		result, err := media.ListSubs(ctx, url, a.Options, includeAuto, includeManual, a.Langs)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	tb.register(mcp.Tool{
		Name:        "download_subs",
		Description: "Return subtitle text or a subtitle direct link.",
		InputSchema: reflectInputSchema[downloadSubsArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a downloadSubsArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		url, err := requiredString(a.URL, "url")
		if err != nil {
			return nil, err
		}
		lang, err := requiredString(a.Lang, "lang")
		if err != nil {
			return nil, err
		}
		result, err := media.DownloadSubs(ctx, url, lang, a.Options, strings.TrimSpace(a.Format), a.Auto, a.LinkOnly)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	tb.register(mcp.Tool{
		Name:        "transcribe",
		Description: "Transcribe media audio via the external ASR service.",
		InputSchema: reflectInputSchema[transcribeArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a transcribeArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		url, err := requiredString(a.URL, "url")
		if err != nil {
			return nil, err
		}
		req := asr.Request{
			URL:           url,
			Options:       a.Options,
			Output:        a.Output,
			Language:      a.Language,
			Task:          a.Task,
			InitialPrompt: a.InitialPrompt,
			Encode:        a.Encode == nil || *a.Encode,
			MaxMB:         a.MaxMB,
		}
		if a.Timeout > 0 {
			req.Timeout = time.Duration(a.Timeout) * time.Second
		}
		result, err := transcriber.Transcribe(ctx, req)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	tb.register(mcp.Tool{
		Name:        "version",
		Description: "Report the media extractor version.",
		InputSchema: reflectInputSchema[versionArgs](),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		result, err := media.Version(ctx)
		if err != nil {
			return nil, err
		}
		return jsonContent(result)
	})

	return tb
}

func (tb *Toolbox) register(desc mcp.Tool, handler toolHandler) {
	tb.index[desc.Name] = len(tb.tools)
	tb.tools = append(tb.tools, registeredTool{desc: desc, handler: handler})
}

// Descriptors returns the tool catalog in registration order.
func (tb *Toolbox) Descriptors() []mcp.Tool {
	out := make([]mcp.Tool, len(tb.tools))
	for i, t := range tb.tools {
		out[i] = t.desc
	}
	return out
}

// Call invokes the named tool. Unknown names and argument failures are
// ordinary errors; the dispatcher maps them to tool-level error results.
func (tb *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	i, ok := tb.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return tb.tools[i].handler(ctx, args)
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func requiredString(v, name string) (string, error) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return trimmed, nil
}

func jsonContent(payload any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.TextResult(string(b)), nil
}
