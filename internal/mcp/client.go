// Package mcp connects to Model Context Protocol servers and serves the
// browser capability by calling one of their tools.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkie-voice-lab/internal/logging"
)

// ClientWrapper owns one MCP client session over a websocket or a spawned
// command, plus whatever must be torn down with it.
type ClientWrapper struct {
	client          *sdk.Client
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
	mu              sync.Mutex
}

func NewClientWrapper(name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials rawurl (http(s) is rewritten to ws(s)) and opens a session.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp dial %s: %w", u.Redacted(), err)
	}
	if err := w.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp client connected", "url", u.Redacted())
	return nil
}

// ConnectCommand spawns a local MCP server and talks to it over stdio.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		return err
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp server stderr", "server", serverName, "line", scanner.Text())
		}
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := w.connect(ctx, newCommandTransport(stdout, stdin)); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}
	logging.Infow("mcp command server started", "server", serverName, "command", command, "args", strings.Join(args, " "))

	w.appendCloser(func() error {
		_ = stdin.Close()
		_ = stdout.Close()
		var err error
		select {
		case err = <-waitCh:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			err = <-waitCh
		}
		if err != nil {
			logging.Debugw("mcp command server exited", "server", serverName, "err", err)
		}
		return nil
	})
	return nil
}

func (w *ClientWrapper) appendCloser(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closers = append(w.closers, fn)
}

func (w *ClientWrapper) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
	}
	w.session = sess
	w.keepaliveCancel = cancel
	w.mu.Unlock()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(kaCtx, 5*time.Second)
				if err := sess.Ping(pctx, nil); err != nil {
					logging.Warnw("mcp keepalive ping failed", "err", err)
				}
				pcancel()
			}
		}
	}()
	return nil
}

// ErrToolFailed wraps the text of a tool result flagged IsError.
var ErrToolFailed = errors.New("mcp tool failed")

// CallText calls a tool and joins its text content.
func (w *ClientWrapper) CallText(ctx context.Context, tool string, args map[string]any) (string, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return "", errors.New("mcp: not connected")
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
