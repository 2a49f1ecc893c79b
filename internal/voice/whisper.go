package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

// WhisperConfig points at a faster-whisper style sidecar that accepts a WAV
// body and answers {"text": ...}.
type WhisperConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	Language  string
	BeamSize  int
	Translate bool
	Attempts  int
}

// WhisperConfigFromEnv reads WHISPER_URL, WHISPER_TIMEOUT_MS,
// WHISPER_TRANSLATE, STT_LANGUAGE and STT_BEAM_SIZE.
func WhisperConfigFromEnv() WhisperConfig {
	cfg := WhisperConfig{
		URL:       os.Getenv("WHISPER_URL"),
		AuthToken: os.Getenv("WHISPER_AUTH_TOKEN"),
		Language:  os.Getenv("STT_LANGUAGE"),
		Translate: envBool("WHISPER_TRANSLATE"),
	}
	if ms, err := strconv.Atoi(os.Getenv("WHISPER_TIMEOUT_MS")); err == nil && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.Atoi(os.Getenv("STT_BEAM_SIZE")); err == nil && n > 0 {
		cfg.BeamSize = n
	}
	return cfg
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Whisper transcribes audio through the sidecar.
type Whisper struct {
	cfg  WhisperConfig
	url  string
	http *http.Client

	sendCount     atomic.Int64
	sendFailCount atomic.Int64
}

func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	if cfg.URL == "" {
		return nil, errors.New("whisper: WHISPER_URL not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("whisper: bad url: %w", err)
	}
	q := u.Query()
	if cfg.Translate {
		q.Set("task", "translate")
	}
	if cfg.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(cfg.BeamSize))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return &Whisper{cfg: cfg, url: u.String(), http: &http.Client{}}, nil
}

// Transcribe posts the audio and returns the trimmed text. Raw s16le PCM is
// wrapped in a WAV header at req.SampleRate first.
func (w *Whisper) Transcribe(ctx context.Context, req module.TranscribeRequest) (module.TranscribeResponse, error) {
	if len(req.Audio) == 0 {
		return module.TranscribeResponse{}, nil
	}
	wav := req.Audio
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		rate := req.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		samples := make([]int16, len(wav)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(wav[2*i:]))
		}
		wav = capture.EncodeWAV(samples, rate)
	}

	cid := module.RequestID(ctx)
	start := time.Now()
	logging.DebugwCtx(ctx, "sending audio to whisper", "url", w.url, "bytes", len(wav))
	status, body, err := postWithRetries(ctx, w.http, w.url, "audio/wav", wav, w.cfg.AuthToken, w.cfg.Timeout, w.cfg.Attempts, cid)
	if err != nil {
		w.sendFailCount.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return module.TranscribeResponse{}, &module.Error{Kind: module.KindTimeout, Message: "whisper timed out", Err: err}
		}
		return module.TranscribeResponse{}, &module.Error{Kind: module.KindServiceUnavailable, Message: "whisper unreachable", Err: err}
	}
	if status >= 500 {
		w.sendFailCount.Add(1)
		return module.TranscribeResponse{}, module.NewError(module.KindServiceUnavailable, fmt.Sprintf("whisper status %d", status))
	}
	if status >= 300 {
		w.sendFailCount.Add(1)
		return module.TranscribeResponse{}, module.NewError(module.KindInvalidResponse, fmt.Sprintf("whisper status %d", status))
	}
	var out struct {
		Text         string  `json:"text"`
		ProcessingMs float64 `json:"processing_ms"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return module.TranscribeResponse{}, &module.Error{Kind: module.KindInvalidResponse, Message: "whisper returned malformed json", Err: err}
	}
	w.sendCount.Add(1)
	text := strings.TrimSpace(out.Text)
	logging.InfowCtx(ctx, "STT response received", "stt_latency_ms", time.Since(start).Milliseconds(),
		"stt_server_ms", int(out.ProcessingMs), "chars", len(text))
	return module.TranscribeResponse{Text: text}, nil
}

// Counts returns successful and failed sends.
func (w *Whisper) Counts() (sent, failed int64) {
	return w.sendCount.Load(), w.sendFailCount.Load()
}
