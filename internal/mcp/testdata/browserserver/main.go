// Command browserserver is a stdio MCP server with a fake browser tool, built
// by the package tests.
package main

import (
	"context"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type browseArgs struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "fake-browser", Version: "1.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "browser_execute", Description: "run a browser command"}, func(ctx context.Context, req *sdk.CallToolRequest, args browseArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{
			Content: []sdk.Content{&sdk.TextContent{Text: args.Action + ":" + args.Query}},
		}, nil, nil
	})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
