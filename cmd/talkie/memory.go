package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/mcp"
)

func init() {
	cmd := &cobra.Command{
		Use:   "memory-server",
		Short: "Expose history and training facts to MCP agents over a websocket",
		RunE:  serveMemory,
	}
	cmd.Flags().String("addr", envOr("PORT", ":9001"), "Listen address")
	rootCmd.AddCommand(cmd)
}

func serveMemory(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	// PORT may be a bare port number
	if addr != "" && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewMemoryServer("talkie-memory", version, a.store, func(ctx context.Context, reason string) {
		a.profile.Invalidate(ctx, reason)
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/mcp/ws", mcp.WebSocketHandler(server))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("memory server listening", "addr", addr, "path", "/mcp/ws")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
