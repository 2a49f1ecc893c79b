package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkie-voice-lab/internal/broadcast"
	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/config"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/pipeline"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture audio and run voice turns until interrupted",
		RunE:  runPipeline,
	}
	cmd.Flags().Bool("training", false, "Start in training mode (utterances become profile facts)")
	cmd.Flags().Bool("browse", false, "Start in browse mode")
	cmd.Flags().Bool("doc-qa", false, "Answer with retrieved document context")
	cmd.Flags().Bool("no-server", false, "Do not serve /events and the control API")
	rootCmd.AddCommand(cmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warnw("close resources", "err", err)
		}
	}()

	speech, err := a.client(ctx, config.ModuleSpeech)
	if err != nil {
		return err
	}
	if speech == nil {
		return errors.New("speech module is required")
	}
	deps := pipeline.Deps{Speech: speech, Repo: a.store, Profile: a.profile}
	if c, err := a.client(ctx, config.ModuleLLM); err != nil {
		return err
	} else if c != nil {
		deps.LLM = c
	}
	if c, err := a.client(ctx, config.ModuleRAG); err != nil {
		return err
	} else if c != nil {
		deps.RAG = c
	}
	if c, err := a.client(ctx, config.ModuleBrowser); err != nil {
		return err
	} else if c != nil {
		deps.Browser = c
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	deps.Source = src

	pcfg := pipelineConfig(cfg)
	pcfg.TrainingMode = pcfg.TrainingMode || flagBool(cmd, "training")
	pcfg.BrowseMode = pcfg.BrowseMode || flagBool(cmd, "browse")
	pcfg.DocQAMode = pcfg.DocQAMode || flagBool(cmd, "doc-qa")
	p, err := pipeline.New(pcfg, deps)
	if err != nil {
		src.Close()
		return err
	}

	hub := broadcast.NewHub(logging.Base())
	go hub.Run(ctx)
	display := make(chan pipeline.Event, pcfg.OutputBuffer)
	go func() {
		defer close(display)
		enc := json.NewEncoder(cmd.OutOrStdout())
		for ev := range p.Events() {
			_ = enc.Encode(ev)
			select {
			case display <- ev:
			case <-ctx.Done():
			}
		}
	}()
	go broadcast.Forward(ctx, hub, display)

	var srv *http.Server
	if cfg.Server.Events && !flagBool(cmd, "no-server") {
		srv = &http.Server{Addr: cfg.Server.Addr, Handler: newControlAPI(p, hub, cfg.Server.APIKey)}
		go func() {
			logging.Infow("control api listening", "addr", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorw("control api stopped", "err", err)
			}
		}()
	}

	// The worker outlives the signal so Stop can let the turn in flight finish.
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		src.Close()
		return err
	}
	logging.Infow("talkie running", "session.id", p.SessionID(), "source", cfg.Capture.Source)

	select {
	case <-ctx.Done():
		logging.Infow("shutdown signal received, stopping pipeline")
	case <-p.Done():
	}

	timeout := cfg.Pipeline.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	runErr := p.Stop(sctx)
	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			logging.Warnw("control api shutdown", "err", err)
		}
	}
	logging.Infow("shutdown complete")
	return runErr
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func openSource(ctx context.Context, cfg config.Config) (capture.Source, error) {
	switch cfg.Capture.Source {
	case "discord":
		d := cfg.Capture.Discord
		return capture.NewDiscordSource(ctx, capture.DiscordConfig{
			Token:          d.Token,
			GuildID:        d.GuildID,
			VoiceChannelID: d.ChannelID,
			UserID:         d.UserID,
			ChunkDuration:  cfg.Capture.ChunkDuration(),
		})
	case "stdin", "":
		return capture.NewReaderSource(os.Stdin, cfg.Capture.SampleRate, cfg.Capture.ChunkDuration()), nil
	}
	return nil, fmt.Errorf("unknown capture source %q", cfg.Capture.Source)
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	pc := cfg.Pipeline
	return pipeline.Config{
		SessionID:              cfg.SessionID,
		MinTranscriptionLength: pc.MinTranscriptionLength,
		FuzzyThreshold:         pc.FuzzyThreshold,
		CertaintyThreshold:     pc.CertaintyThreshold,
		RecentN:                pc.RecentN,
		TopK:                   pc.TopK,
		OutputBuffer:           pc.OutputBuffer,
		SystemPrompt:           pc.SystemPrompt,
		RegenerationEnabled:    pc.Regeneration.Enabled,
		Regeneration:           pipeline.GenerationOptions{NumPredict: pc.Regeneration.NumPredict, Temperature: pc.Regeneration.Temperature},
		Answer:                 pipeline.GenerationOptions{NumPredict: pc.Answer.NumPredict, Temperature: pc.Answer.Temperature},
		TrainingMode:           pc.TrainingMode,
		BrowseMode:             pc.BrowseMode,
		DocQAMode:              pc.DocQAMode,
		Curator:                history.DefaultCuratorConfig(),
	}
}
