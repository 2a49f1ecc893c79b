package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

// TTSConfig configures synthesis and playback.
type TTSConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	// Player is the command that plays WAV from stdin, e.g. "aplay -q -".
	// Empty synthesizes without playing.
	Player string
	// SaveDir keeps a copy of every synthesized clip when set.
	SaveDir string
}

// TTSConfigFromEnv reads TTS_URL, TTS_AUTH_TOKEN, TTS_TIMEOUT_MS,
// TTS_PLAYER and SAVE_AUDIO_DIR.
func TTSConfigFromEnv() TTSConfig {
	cfg := TTSConfig{
		URL:       os.Getenv("TTS_URL"),
		AuthToken: os.Getenv("TTS_AUTH_TOKEN"),
		Player:    os.Getenv("TTS_PLAYER"),
		SaveDir:   os.Getenv("SAVE_AUDIO_DIR"),
	}
	if ms, err := strconv.Atoi(os.Getenv("TTS_TIMEOUT_MS")); err == nil && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// TTS synthesizes speech over HTTP and plays it. Only one clip plays at a
// time; a new Speak or a Stop interrupts the current one.
type TTS struct {
	cfg  TTSConfig
	http *http.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	playing chan struct{}
}

func NewTTS(cfg TTSConfig) (*TTS, error) {
	if cfg.URL == "" {
		return nil, errors.New("tts: TTS_URL not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TTS{cfg: cfg, http: &http.Client{}}, nil
}

// Speak synthesizes text and starts playback in the background.
func (t *TTS) Speak(ctx context.Context, req module.SpeakRequest) (module.Ack, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return module.Ack{OK: true}, nil
	}
	audio, err := t.synthesize(ctx, text)
	if err != nil {
		return module.Ack{}, err
	}
	if t.cfg.SaveDir != "" {
		name := filepath.Join(t.cfg.SaveDir, time.Now().UTC().Format("20060102T150405.000Z")+"_tts.wav")
		if err := SaveFileAtomic(name, audio, 0o644); err != nil {
			logging.WarnwCtx(ctx, "tts: failed to save audio", "path", name, "err", err)
		} else {
			logging.DebugwCtx(ctx, "tts: saved audio to disk", "path", name)
		}
	}
	t.stopPlayback()
	if t.cfg.Player != "" {
		t.play(audio)
	}
	return module.Ack{OK: true}, nil
}

// Stop interrupts playback, if any, and waits for the player to exit.
func (t *TTS) Stop(context.Context, struct{}) (module.Ack, error) {
	t.stopPlayback()
	return module.Ack{OK: true}, nil
}

// Close stops playback.
func (t *TTS) Close() error {
	t.stopPlayback()
	return nil
}

func (t *TTS) synthesize(ctx context.Context, text string) ([]byte, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	status, audio, err := postWithRetries(ctx, t.http, t.cfg.URL, "application/json", body, t.cfg.AuthToken, t.cfg.Timeout, 2, module.RequestID(ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &module.Error{Kind: module.KindTimeout, Message: "tts timed out", Err: err}
		}
		return nil, &module.Error{Kind: module.KindServiceUnavailable, Message: "tts unreachable", Err: err}
	}
	if status >= 300 {
		logging.WarnwCtx(ctx, "tts: returned non-2xx", "status", status)
		kind := module.KindInvalidResponse
		if status >= 500 {
			kind = module.KindServiceUnavailable
		}
		return nil, module.NewError(kind, fmt.Sprintf("tts returned status %d", status))
	}
	if len(audio) == 0 {
		return nil, module.NewError(module.KindInvalidResponse, "tts returned no audio")
	}
	return audio, nil
}

func (t *TTS) play(audio []byte) {
	args := strings.Fields(t.cfg.Player)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.playing = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = bytes.NewReader(audio)
		if err := cmd.Run(); err != nil && ctx.Err() == nil {
			logging.Warnw("tts: player failed", "player", args[0], "err", err)
		}
	}()
}

func (t *TTS) stopPlayback() {
	t.mu.Lock()
	cancel, done := t.cancel, t.playing
	t.cancel, t.playing = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
