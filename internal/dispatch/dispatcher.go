package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/probekit/probekit/internal/jsonrpc"
	"github.com/probekit/probekit/internal/logctx"
	"github.com/probekit/probekit/mcp"
)

const notificationPrefix = "notifications/"

var (
	errInvalidToolParams = errors.New("invalid tools/call params")
	errMissingToolName   = errors.New("missing tool name")
)

// Dispatcher maps a single JSON-RPC message to a response. It is pure with
// respect to transport: both the SSE submission path and the streamable
// HTTP path funnel through Dispatch.
type Dispatcher struct {
	tools      *Toolbox
	serverInfo mcp.ImplementationInfo
	log        *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithServerInfo sets the identity reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(d *Dispatcher) { d.serverInfo = info }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New builds a Dispatcher over the given toolbox.
func New(tools *Toolbox, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:      tools,
		serverInfo: mcp.ImplementationInfo{Name: "probekit", Version: "0.2.0"},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// envelope is a permissive decode of an incoming message, loose enough to
// report precise validation failures.
type envelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

func decodeID(raw json.RawMessage) *jsonrpc.RequestID {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var id jsonrpc.RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return nil
	}
	return &id
}

// Dispatch validates and executes one JSON-RPC message. It returns nil for
// notifications. Collaborator failures during tools/call become tool-level
// error results; anything unexpected becomes a -32000 protocol error.
func (d *Dispatcher) Dispatch(ctx context.Context, raw json.RawMessage) (resp *jsonrpc.Response) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request")
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request")
	}
	id := decodeID(env.ID)

	var version string
	if err := json.Unmarshal(env.JSONRPC, &version); err != nil || version != jsonrpc.ProtocolVersion {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request")
	}

	var method string
	if err := json.Unmarshal(env.Method, &method); err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request")
	}

	if strings.HasPrefix(method, notificationPrefix) {
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: id.String()})

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "rpc.dispatch.panic", slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeServerError, "Server error")
		}
	}()

	switch method {
	case "initialize":
		return d.result(ctx, id, d.handleInitialize(env.Params))
	case "ping":
		return d.result(ctx, id, map[string]any{})
	case "tools/list":
		return d.result(ctx, id, map[string]any{"tools": d.tools.Descriptors()})
	case "tools/call":
		return d.handleToolsCall(ctx, id, env.Params)
	case "resources/list":
		return d.result(ctx, id, map[string]any{"resources": []any{}})
	case "prompts/list":
		return d.result(ctx, id, map[string]any{"prompts": []any{}})
	case "prompts/get":
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, "Prompt not found")
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, "Method not found")
	}
}

func (d *Dispatcher) result(ctx context.Context, id *jsonrpc.RequestID, payload any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, payload)
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeServerError, "Server error")
	}
	return resp
}

func (d *Dispatcher) handleInitialize(params json.RawMessage) mcp.InitializeResult {
	protocol := mcp.DefaultProtocolVersion
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err == nil {
			if requested := strings.TrimSpace(p.ProtocolVersion); requested != "" {
				protocol = requested
			}
		}
	}
	return mcp.InitializeResult{
		ProtocolVersion: protocol,
		ServerInfo:      d.serverInfo,
		Capabilities:    mcp.Capabilities{Tools: mcp.ToolsCapability{List: true}},
	}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, id *jsonrpc.RequestID, params json.RawMessage) *jsonrpc.Response {
	result, err := d.callTool(ctx, params)
	if err != nil {
		d.log.InfoContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		result = mcp.ErrorResult("Error: " + err.Error())
	}
	return d.result(ctx, id, result)
}

func (d *Dispatcher) callTool(ctx context.Context, params json.RawMessage) (*mcp.CallToolResult, error) {
	var p struct {
		Name      json.RawMessage `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errInvalidToolParams
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, errInvalidToolParams
	}

	var name string
	if err := json.Unmarshal(p.Name, &name); err != nil || name == "" {
		return nil, errMissingToolName
	}

	args := bytes.TrimSpace(p.Arguments)
	if len(args) == 0 || args[0] != '{' {
		args = nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	return d.tools.Call(ctx, name, args)
}

// DispatchPayload runs every message of a decoded payload through Dispatch
// in order, dropping notification non-responses.
func (d *Dispatcher) DispatchPayload(ctx context.Context, msgs []json.RawMessage) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, 0, len(msgs))
	for _, msg := range msgs {
		if resp := d.Dispatch(ctx, msg); resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses
}
