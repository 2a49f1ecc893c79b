package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkie-voice-lab/internal/module"
)

type browseArgs struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
}

func newBrowserServer(t *testing.T) *httptest.Server {
	t.Helper()
	serverImpl := sdk.NewServer(&sdk.Implementation{Name: "ws-browser", Version: "1.0.0"}, nil)
	sdk.AddTool(serverImpl, &sdk.Tool{Name: DefaultBrowserTool, Description: "fake browser"}, func(ctx context.Context, req *sdk.CallToolRequest, args browseArgs) (*sdk.CallToolResult, any, error) {
		if args.Action == "fail" {
			return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: "no tab open"}}}, nil, nil
		}
		body := fmt.Sprintf(`{"result":"Searching for %s","open_url":"https://duckduckgo.com/?q=%s"}`, args.Query, args.Query)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: body}}}, nil, nil
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		go func() {
			session, err := serverImpl.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				t.Logf("server connect failed: %v", err)
				_ = conn.Close()
				return
			}
			defer session.Close()
			_ = session.Wait()
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBrowserOverWebSocket(t *testing.T) {
	srv := newBrowserServer(t)

	wrapper := NewClientWrapper("talkie-test", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// http scheme is rewritten to ws
	if err := wrapper.ConnectWebSocket(ctx, srv.URL+"/ws"); err != nil {
		t.Fatalf("ConnectWebSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })

	b := &Browser{Caller: wrapper}
	resp, err := b.Execute(ctx, module.ExecuteRequest{Intent: &module.BrowserIntent{Action: "search", Query: "weather"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Result != "Searching for weather" || !strings.Contains(resp.OpenURL, "q=weather") {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, err = b.Execute(ctx, module.ExecuteRequest{Intent: &module.BrowserIntent{Action: "fail"}})
	if !errors.Is(err, module.ErrLocalFault) {
		t.Fatalf("expected local fault, got %v", err)
	}
	var me *module.Error
	if !errors.As(err, &me) || me.Message != "no tab open" {
		t.Fatalf("tool error text should be preserved, got %v", err)
	}
}

func TestCallTextNotConnected(t *testing.T) {
	w := NewClientWrapper("x", "y")
	if _, err := w.CallText(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected error before connect")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close unconnected: %v", err)
	}
}

type fakeCaller struct {
	tool string
	args map[string]any
	text string
	err  error
}

func (f *fakeCaller) CallText(_ context.Context, tool string, args map[string]any) (string, error) {
	f.tool, f.args = tool, args
	return f.text, f.err
}

func TestBrowserExecuteArguments(t *testing.T) {
	fc := &fakeCaller{text: "  scrolled down  "}
	b := &Browser{Caller: fc, Tool: "custom"}
	resp, err := b.Execute(context.Background(), module.ExecuteRequest{Utterance: "scroll down"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fc.tool != "custom" || fc.args["utterance"] != "scroll down" {
		t.Fatalf("call = %s %v", fc.tool, fc.args)
	}
	if resp.Result != "scrolled down" || resp.OpenURL != "" {
		t.Fatalf("plain text result = %+v", resp)
	}

	if _, err := b.Execute(context.Background(), module.ExecuteRequest{}); module.KindOf(err) != module.KindBadRequest {
		t.Fatalf("empty request should be bad request, got %v", err)
	}

	fc.err = context.DeadlineExceeded
	if _, err := b.Execute(context.Background(), module.ExecuteRequest{Utterance: "x"}); !errors.Is(err, module.ErrTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestBrowserCommandServer(t *testing.T) {
	binPath := buildBrowserServer(t)

	wrapper := NewClientWrapper("talkie-test", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wrapper.ConnectCommand(ctx, "fake-browser", binPath, nil, nil); err != nil {
		t.Fatalf("ConnectCommand failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })

	text, err := wrapper.CallText(ctx, DefaultBrowserTool, map[string]any{"action": "open", "query": "news"})
	if err != nil {
		t.Fatalf("CallText failed: %v", err)
	}
	if text != "open:news" {
		t.Fatalf("expected 'open:news', got %q", text)
	}
}

func buildBrowserServer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to determine caller")
	}
	serverDir := filepath.Join(filepath.Dir(filename), "testdata", "browserserver")
	binPath := filepath.Join(t.TempDir(), "browserserver")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = serverDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, output)
	}
	return binPath
}
