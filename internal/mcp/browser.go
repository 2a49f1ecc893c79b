package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/talkie-voice-lab/internal/module"
)

// DefaultBrowserTool is the tool name browser MCP servers expose.
const DefaultBrowserTool = "browser_execute"

// ToolCaller is the part of ClientWrapper the browser handler needs.
type ToolCaller interface {
	CallText(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Browser serves the execute capability by forwarding intents to an MCP
// tool. The tool may answer with plain text or {"result": ..., "open_url": ...}.
type Browser struct {
	Caller ToolCaller
	Tool   string
}

func (b *Browser) tool() string {
	if b.Tool != "" {
		return b.Tool
	}
	return DefaultBrowserTool
}

func (b *Browser) Execute(ctx context.Context, req module.ExecuteRequest) (module.ExecuteResponse, error) {
	args := map[string]any{}
	if req.Intent != nil {
		args["action"] = req.Intent.Action
		if req.Intent.Query != "" {
			args["query"] = req.Intent.Query
		}
		if req.Intent.Target != "" {
			args["target"] = req.Intent.Target
		}
		if req.Intent.Direction != "" {
			args["direction"] = req.Intent.Direction
		}
	}
	if req.Utterance != "" {
		args["utterance"] = req.Utterance
	}
	if len(args) == 0 {
		return module.ExecuteResponse{}, module.NewError(module.KindBadRequest, "execute needs an intent or an utterance")
	}

	text, err := b.Caller.CallText(ctx, b.tool(), args)
	if err != nil {
		if errors.Is(err, ErrToolFailed) {
			// the tool ran and said no; its message goes to the user
			msg := strings.TrimSpace(strings.TrimPrefix(err.Error(), ErrToolFailed.Error()+":"))
			return module.ExecuteResponse{}, &module.Error{Kind: module.KindLocalFault, Message: msg, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return module.ExecuteResponse{}, &module.Error{Kind: module.KindTimeout, Message: "browser timed out", Err: err}
		}
		return module.ExecuteResponse{}, &module.Error{Kind: module.KindServiceUnavailable, Message: err.Error(), Err: err}
	}
	return parseToolResult(text), nil
}

func parseToolResult(text string) module.ExecuteResponse {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var out module.ExecuteResponse
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil && (out.Result != "" || out.OpenURL != "") {
			return out
		}
	}
	return module.ExecuteResponse{Result: trimmed}
}

// Handlers returns the table for a local "browser" endpoint.
func (b *Browser) Handlers() module.Handlers {
	return module.Handlers{
		module.OpExecute: module.Typed(b.Execute),
		module.OpHealth: module.Typed(func(context.Context, struct{}) (module.HealthResponse, error) {
			return module.HealthResponse{Status: "ok", Ready: b.Caller != nil, Module: "browser"}, nil
		}),
	}
}
