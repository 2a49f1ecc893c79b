package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/module"
)

func tone(n int, amp int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return s
}

func TestWhisperTranscribe(t *testing.T) {
	var gotCID, gotQuery string
	var gotRIFF bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCID = r.Header.Get("X-Correlation-ID")
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotRIFF = len(b) > 4 && string(b[:4]) == "RIFF"
		json.NewEncoder(w).Encode(map[string]interface{}{"text": "  hello there  ", "processing_ms": 12})
	}))
	defer ts.Close()

	w, err := NewWhisper(WhisperConfig{URL: ts.URL, Language: "en", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewWhisper: %v", err)
	}
	ctx := module.WithRequestID(context.Background(), "cid-1")
	// raw PCM gets wrapped into WAV before sending
	pcm := []byte{1, 0, 2, 0, 3, 0}
	resp, err := w.Transcribe(ctx, module.TranscribeRequest{Audio: pcm, SampleRate: 16000})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("text = %q", resp.Text)
	}
	if gotCID != "cid-1" || !gotRIFF || gotQuery != "language=en" {
		t.Fatalf("request: cid=%q riff=%v query=%q", gotCID, gotRIFF, gotQuery)
	}
	if sent, failed := w.Counts(); sent != 1 || failed != 0 {
		t.Fatalf("counts = %d/%d", sent, failed)
	}
}

func TestWhisperRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "busy", 503)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer ts.Close()

	w, _ := NewWhisper(WhisperConfig{URL: ts.URL, Attempts: 3})
	resp, err := w.Transcribe(context.Background(), module.TranscribeRequest{Audio: capture.EncodeWAV(tone(10, 5), 16000)})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("transcribe = %q, %v", resp.Text, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d want 2", calls.Load())
	}
}

func TestWhisperMalformedJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()
	w, _ := NewWhisper(WhisperConfig{URL: ts.URL})
	_, err := w.Transcribe(context.Background(), module.TranscribeRequest{Audio: []byte{0, 0}})
	if !errors.Is(err, module.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestNewWhisperRequiresURL(t *testing.T) {
	if _, err := NewWhisper(WhisperConfig{}); err == nil {
		t.Fatalf("expected error without url")
	}
}

func TestTTSSpeakSavesAudio(t *testing.T) {
	var gotText string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]string
		json.NewDecoder(r.Body).Decode(&p)
		gotText = p["text"]
		w.Write(capture.EncodeWAV(tone(100, 100), 16000))
	}))
	defer ts.Close()

	dir := t.TempDir()
	tts, err := NewTTS(TTSConfig{URL: ts.URL, SaveDir: dir})
	if err != nil {
		t.Fatalf("NewTTS: %v", err)
	}
	defer tts.Close()
	ack, err := tts.Speak(context.Background(), module.SpeakRequest{Text: "hi"})
	if err != nil || !ack.OK {
		t.Fatalf("speak = %v, %v", ack, err)
	}
	if gotText != "hi" {
		t.Fatalf("tts got %q", gotText)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*_tts.wav"))
	if len(files) != 1 {
		t.Fatalf("expected one saved clip, got %v", files)
	}
}

func TestTTSStopInterruptsPlayer(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("no /bin/sleep")
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("RIFFfake"))
	}))
	defer ts.Close()

	tts, _ := NewTTS(TTSConfig{URL: ts.URL, Player: "/bin/sleep 30"})
	if _, err := tts.Speak(context.Background(), module.SpeakRequest{Text: "long answer"}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	done := make(chan struct{})
	go func() {
		tts.Stop(context.Background(), struct{}{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not interrupt playback")
	}
}

func TestTTSServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", 400)
	}))
	defer ts.Close()
	tts, _ := NewTTS(TTSConfig{URL: ts.URL})
	if _, err := tts.Speak(context.Background(), module.SpeakRequest{Text: "x"}); !errors.Is(err, module.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestSpeakerFilter(t *testing.T) {
	ctx := context.Background()
	loud := capture.EncodeWAV(tone(16000, 1000), 16000)
	quiet := capture.EncodeWAV(tone(16000, 10), 16000)
	short := capture.EncodeWAV(tone(4000, 10), 16000)

	var none *SpeakerFilter
	if r, _ := none.Accept(ctx, module.AcceptRequest{Audio: quiet}); !r.Accept {
		t.Fatalf("nil filter must accept")
	}
	f := &SpeakerFilter{}
	if r, _ := f.Accept(ctx, module.AcceptRequest{Audio: quiet}); !r.Accept {
		t.Fatalf("filter without profile must accept")
	}

	f.Profile = &VoiceProfile{MeanRMS: 1000}
	if r, _ := f.Accept(ctx, module.AcceptRequest{Audio: loud}); !r.Accept {
		t.Fatalf("matching speaker rejected")
	}
	if r, _ := f.Accept(ctx, module.AcceptRequest{Audio: quiet}); r.Accept {
		t.Fatalf("distant speaker accepted")
	}
	if r, _ := f.Accept(ctx, module.AcceptRequest{Audio: short}); !r.Accept {
		t.Fatalf("audio under 0.5s must be accepted")
	}
	if _, err := f.Accept(ctx, module.AcceptRequest{Audio: []byte("junk")}); module.KindOf(err) != module.KindBadRequest {
		t.Fatalf("expected bad request for non-wav, got %v", err)
	}
}

func TestVoiceProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "voice.json")
	if p, err := LoadVoiceProfile(path); err != nil || p != nil {
		t.Fatalf("missing profile should be nil, nil; got %v, %v", p, err)
	}
	if err := SaveVoiceProfile(path, VoiceProfile{MeanRMS: 420, Similarity: 0.6}); err != nil {
		t.Fatalf("save: %v", err)
	}
	p, err := LoadVoiceProfile(path)
	if err != nil || p == nil || p.MeanRMS != 420 {
		t.Fatalf("load = %+v, %v", p, err)
	}
}

func TestSpeechHandlersTable(t *testing.T) {
	s := &Speech{}
	h := s.Handlers()
	if _, ok := h[module.OpTranscribe]; ok {
		t.Fatalf("transcribe should be absent without STT")
	}
	if _, ok := h[module.OpAccept]; !ok {
		t.Fatalf("accept should always be present")
	}
	mc, err := module.New(module.Endpoint{Name: "speech", Mode: module.ModeLocal, Handlers: h, Timeout: time.Second})
	if err != nil {
		t.Fatalf("module.New: %v", err)
	}
	defer mc.Close()
	ok, err := mc.Accept(context.Background(), "hi", nil)
	if err != nil || !ok {
		t.Fatalf("accept via module = %v, %v", ok, err)
	}
	if _, err := mc.Transcribe(context.Background(), []byte{0, 0}, 16000); !errors.Is(err, module.ErrServiceUnavailable) {
		t.Fatalf("missing op should be unavailable, got %v", err)
	}
}
