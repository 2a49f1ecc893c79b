package main

import (
	"context"
	"errors"
	"os"

	"github.com/talkie-voice-lab/internal/config"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/kv"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/mcp"
	"github.com/talkie-voice-lab/internal/module"
	"github.com/talkie-voice-lab/internal/profile"
	"github.com/talkie-voice-lab/internal/voice"
	"github.com/talkie-voice-lab/llm"
)

// profileLimit bounds the inputs a profile snapshot is built from.
const profileLimit = 100

// app holds everything a command opened, in close order.
type app struct {
	cfg     config.Config
	store   *history.SQLiteStore
	kv      kv.Store
	profile *profile.Cache

	speech  *voice.Speech
	browser *mcp.ClientWrapper
	clients map[string]*module.Client
}

// openStores opens history, the kv store and the profile cache.
func openStores(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := history.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	kvs, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.KVDir})
	if err != nil {
		store.Close()
		return nil, err
	}
	prof, err := profile.New(ctx, store, profile.NewKVStore(kvs), profileLimit)
	if err != nil {
		kvs.Close()
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, kv: kvs, profile: prof, clients: map[string]*module.Client{}}, nil
}

// localHandlers builds the in-process implementation of a module, or nil
// when there is none.
func (a *app) localHandlers(ctx context.Context, name string) module.Handlers {
	switch name {
	case config.ModuleSpeech:
		return a.localSpeech().Handlers()
	case config.ModuleLLM:
		lc := llm.ConfigFromEnv()
		l := a.cfg.LLM
		lc.BaseURL = firstNonEmpty(l.BaseURL, lc.BaseURL)
		lc.APIKey = firstNonEmpty(l.APIKey, lc.APIKey)
		lc.Model = firstNonEmpty(l.Model, lc.Model)
		lc.FallbackModel = firstNonEmpty(l.FallbackModel, lc.FallbackModel)
		if l.MaxTokens > 0 {
			lc.MaxTokens = l.MaxTokens
		}
		return llm.NewClient(lc).Handlers()
	case config.ModuleBrowser:
		w, err := a.connectBrowser(ctx)
		if err != nil {
			logging.Warnw("browser module unavailable", "err", err)
			return nil
		}
		b := &mcp.Browser{Caller: w, Tool: a.cfg.Browser.Tool}
		return b.Handlers()
	}
	// document retrieval is only served by a remote module
	return nil
}

func (a *app) localSpeech() *voice.Speech {
	if a.speech != nil {
		return a.speech
	}
	s := &voice.Speech{Filter: &voice.SpeakerFilter{}}
	wc := voice.WhisperConfigFromEnv()
	wc.URL = firstNonEmpty(a.cfg.Speech.WhisperURL, wc.URL)
	if w, err := voice.NewWhisper(wc); err != nil {
		logging.Warnw("speech-to-text disabled", "err", err)
	} else {
		s.STT = w
	}
	tc := voice.TTSConfigFromEnv()
	tc.URL = firstNonEmpty(a.cfg.Speech.TTSURL, tc.URL)
	tc.Player = firstNonEmpty(a.cfg.Speech.TTSPlayer, tc.Player)
	tc.SaveDir = firstNonEmpty(a.cfg.Speech.SaveAudioDir, tc.SaveDir)
	if t, err := voice.NewTTS(tc); err != nil {
		logging.Warnw("text-to-speech disabled", "err", err)
	} else {
		s.TTS = t
	}
	if p := a.cfg.Speech.VoiceProfilePath; p != "" {
		vp, err := voice.LoadVoiceProfile(p)
		if err != nil {
			logging.Warnw("voice profile not loaded", "path", p, "err", err)
		}
		s.Filter.Profile = vp
	}
	a.speech = s
	return s
}

func (a *app) connectBrowser(ctx context.Context) (*mcp.ClientWrapper, error) {
	if a.browser != nil {
		return a.browser, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	servers, err := config.LoadMCPServers(wd)
	if err != nil {
		return nil, err
	}
	srv, name, err := servers.Lookup(a.cfg.Browser.MCPServer)
	if err != nil {
		return nil, err
	}
	w := mcp.NewClientWrapper("talkie", version)
	if srv.Transport != nil && srv.Transport.URL != "" {
		err = w.ConnectWebSocket(ctx, srv.Transport.URL)
	} else {
		err = w.ConnectCommand(ctx, name, srv.Command, srv.Args, srv.Env)
	}
	if err != nil {
		return nil, err
	}
	a.browser = w
	return w, nil
}

// client builds the module client for name, or nil when a local module has
// no implementation. Remote clients start their health probe.
func (a *app) client(ctx context.Context, name string) (*module.Client, error) {
	var handlers module.Handlers
	if module.Mode(a.cfg.Modules[name].Mode) == module.ModeLocal {
		if handlers = a.localHandlers(ctx, name); handlers == nil {
			return nil, nil
		}
	}
	var opts []module.Option
	if r := a.cfg.Resolver(); r != nil {
		opts = append(opts, module.WithResolver(r))
	}
	c, err := module.New(a.cfg.Endpoint(name, handlers), opts...)
	if err != nil {
		return nil, err
	}
	c.StartHealthProbe(ctx)
	a.clients[name] = c
	logging.Infow("module ready", "module", name, "mode", string(c.Mode()))
	return c, nil
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.clients {
		errs = append(errs, c.Close())
	}
	if a.speech != nil {
		errs = append(errs, a.speech.Close())
	}
	if a.browser != nil {
		errs = append(errs, a.browser.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
