package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkie-voice-lab/internal/config"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

func init() {
	cmd := &cobra.Command{
		Use:       "serve <module>",
		Short:     "Serve one module's local implementation over HTTP",
		Long:      "serve exposes the in-process speech, llm or browser module so another talkie can use it in remote mode.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.ModuleNames,
		RunE:      serveModule,
	}
	cmd.Flags().String("addr", ":9000", "Listen address")
	cmd.Flags().String("api-key", "", "Require this API key (default: TALKIE_<MODULE>_API_KEY)")
	rootCmd.AddCommand(cmd)
}

func serveModule(cmd *cobra.Command, args []string) error {
	name := args[0]
	if _, ok := cfg.Modules[name]; !ok {
		return fmt.Errorf("unknown module %q", name)
	}
	addr, _ := cmd.Flags().GetString("addr")
	apiKey, _ := cmd.Flags().GetString("api-key")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, clients: map[string]*module.Client{}}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warnw("close resources", "err", err)
		}
	}()
	handlers := a.localHandlers(ctx, name)
	if handlers == nil {
		return fmt.Errorf("module %q has no local implementation", name)
	}

	srv := module.NewServer(module.ServerConfig{
		Name:     name,
		Version:  version,
		APIKey:   firstNonEmpty(apiKey, cfg.Modules[name].APIKey),
		Handlers: handlers,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()
	srv.SetReady(true)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logging.Infow("shutting down module server", "module", name)
	srv.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
