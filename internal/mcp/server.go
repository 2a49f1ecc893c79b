package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
)

// Memory is the part of the history store the MCP server exposes.
type Memory interface {
	ListRecent(ctx context.Context, n int) ([]history.Interaction, error)
	ListFacts(ctx context.Context, limit int) ([]history.Fact, error)
	AddTrainingFact(ctx context.Context, text string) (history.Fact, error)
	AddCorrection(ctx context.Context, id, text string) error
}

// Tool names served by NewMemoryServer.
const (
	ToolRecentInteractions = "recent_interactions"
	ToolListFacts          = "list_facts"
	ToolAddFact            = "add_fact"
	ToolCorrect            = "correct_interaction"
)

type limitArgs struct {
	Limit int `json:"limit,omitempty"`
}

type factArgs struct {
	Text string `json:"text"`
}

type correctArgs struct {
	InteractionID string `json:"interaction_id"`
	Text          string `json:"text"`
}

// NewMemoryServer builds an MCP server over m. changed runs after a tool
// writes profile material, with a short reason.
func NewMemoryServer(name, version string, m Memory, changed func(ctx context.Context, reason string)) *sdk.Server {
	if changed == nil {
		changed = func(context.Context, string) {}
	}
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: ToolRecentInteractions, Description: "List the most recent voice turns, newest first"},
		func(ctx context.Context, _ *sdk.CallToolRequest, args limitArgs) (*sdk.CallToolResult, any, error) {
			rows, err := m.ListRecent(ctx, limitOr(args.Limit, 10))
			if err != nil {
				return toolError(err), nil, nil
			}
			return jsonResult(rows), nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: ToolListFacts, Description: "List training facts about the user"},
		func(ctx context.Context, _ *sdk.CallToolRequest, args limitArgs) (*sdk.CallToolResult, any, error) {
			rows, err := m.ListFacts(ctx, limitOr(args.Limit, 50))
			if err != nil {
				return toolError(err), nil, nil
			}
			return jsonResult(rows), nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: ToolAddFact, Description: "Remember a fact about the user"},
		func(ctx context.Context, _ *sdk.CallToolRequest, args factArgs) (*sdk.CallToolResult, any, error) {
			if args.Text == "" {
				return textResult("text is required", true), nil, nil
			}
			f, err := m.AddTrainingFact(ctx, args.Text)
			if err != nil {
				return toolError(err), nil, nil
			}
			changed(ctx, "fact")
			return jsonResult(f), nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: ToolCorrect, Description: "Record what the response to an interaction should have been"},
		func(ctx context.Context, _ *sdk.CallToolRequest, args correctArgs) (*sdk.CallToolResult, any, error) {
			if args.InteractionID == "" || args.Text == "" {
				return textResult("interaction_id and text are required", true), nil, nil
			}
			if err := m.AddCorrection(ctx, args.InteractionID, args.Text); err != nil {
				return toolError(err), nil, nil
			}
			changed(ctx, "correction")
			return textResult("ok", false), nil, nil
		})
	return server
}

// WebSocketHandler upgrades each request and runs one MCP session over it
// until the peer disconnects.
func WebSocketHandler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp websocket upgrade failed", "err", err)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				logging.Debugw("mcp session ended", "err", err)
			}
		}()
	})
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func textResult(text string, isErr bool) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: isErr, Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func toolError(err error) *sdk.CallToolResult { return textResult(err.Error(), true) }

func jsonResult(v any) *sdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(err)
	}
	return textResult(string(data), false)
}
