package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/kv"
	"github.com/talkie-voice-lab/internal/module"
	"github.com/talkie-voice-lab/internal/profile"
)

// backends serves every capability in-process. Chunk i transcribes to
// script[i]; the index travels in the first sample.
type backends struct {
	mu        sync.Mutex
	script    []string
	calls     map[module.Op]int
	spoken    []string
	reject    bool
	generate  func(module.GenerateRequest) (module.GenerateResponse, error)
	execute   func(module.ExecuteRequest) (module.ExecuteResponse, error)
	generated []module.GenerateRequest
	executed  []module.ExecuteRequest
	ragDocs   bool
}

func newBackends(script ...string) *backends {
	return &backends{script: script, calls: make(map[module.Op]int)}
}

func (b *backends) hit(op module.Op) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *backends) count(op module.Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// answers counts generate calls that were not regeneration passes.
func (b *backends) answers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.generated {
		if r.Format != "json" {
			n++
		}
	}
	return n
}

func localClient(t *testing.T, name string, h module.Handlers) *module.Client {
	t.Helper()
	c, err := module.New(module.Endpoint{Name: name, Mode: module.ModeLocal, Handlers: h})
	if err != nil {
		t.Fatalf("module.New(%s): %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (b *backends) deps(t *testing.T) Deps {
	speech := localClient(t, "speech", module.Handlers{
		module.OpTranscribe: module.Typed(func(_ context.Context, req module.TranscribeRequest) (module.TranscribeResponse, error) {
			b.hit(module.OpTranscribe)
			samples, _, err := capture.DecodeWAV(req.Audio)
			if err != nil {
				return module.TranscribeResponse{}, err
			}
			return module.TranscribeResponse{Text: b.script[samples[0]]}, nil
		}),
		module.OpAccept: module.Typed(func(_ context.Context, _ module.AcceptRequest) (module.AcceptResponse, error) {
			b.hit(module.OpAccept)
			return module.AcceptResponse{Accept: !b.reject}, nil
		}),
		module.OpStop: module.Typed(func(_ context.Context, _ struct{}) (module.Ack, error) {
			b.hit(module.OpStop)
			return module.Ack{OK: true}, nil
		}),
		module.OpSpeak: module.Typed(func(_ context.Context, req module.SpeakRequest) (module.Ack, error) {
			b.hit(module.OpSpeak)
			b.mu.Lock()
			b.spoken = append(b.spoken, req.Text)
			b.mu.Unlock()
			return module.Ack{OK: true}, nil
		}),
	})
	llm := localClient(t, "llm", module.Handlers{
		module.OpGenerate: module.Typed(func(_ context.Context, req module.GenerateRequest) (module.GenerateResponse, error) {
			b.hit(module.OpGenerate)
			b.mu.Lock()
			b.generated = append(b.generated, req)
			b.mu.Unlock()
			if b.generate == nil {
				return module.GenerateResponse{}, module.NewError(module.KindServiceUnavailable, "no model")
			}
			return b.generate(req)
		}),
	})
	rag := localClient(t, "rag", module.Handlers{
		module.OpHasDocuments: module.Typed(func(_ context.Context, _ struct{}) (module.HasDocumentsResponse, error) {
			b.hit(module.OpHasDocuments)
			return module.HasDocumentsResponse{HasDocuments: b.ragDocs}, nil
		}),
		module.OpRetrieve: module.Typed(func(_ context.Context, req module.RetrieveRequest) (module.RetrieveResponse, error) {
			b.hit(module.OpRetrieve)
			return module.RetrieveResponse{Context: "Paris is the capital of France."}, nil
		}),
	})
	browser := localClient(t, "browser", module.Handlers{
		module.OpExecute: module.Typed(func(_ context.Context, req module.ExecuteRequest) (module.ExecuteResponse, error) {
			b.hit(module.OpExecute)
			b.mu.Lock()
			b.executed = append(b.executed, req)
			b.mu.Unlock()
			if b.execute == nil {
				return module.ExecuteResponse{Result: "ok"}, nil
			}
			return b.execute(req)
		}),
	})
	return Deps{Speech: speech, LLM: llm, RAG: rag, Browser: browser}
}

type run struct {
	events []Event
	p      *Pipeline
	store  *history.SQLiteStore
	prof   *profile.Cache
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "test-session"
	cfg.RegenerationEnabled = false
	return cfg
}

func runScript(t *testing.T, cfg Config, b *backends, tweak func(*Deps)) run {
	t.Helper()
	ctx := context.Background()
	src := capture.NewChanSource(len(b.script) + 1)
	for i := range b.script {
		if !src.Push(ctx, capture.Chunk{Samples: []int16{int16(i), 0, 0, 0}, SampleRate: 16000}) {
			t.Fatalf("push %d failed", i)
		}
	}
	src.Close()

	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	prof, err := profile.New(ctx, store, profile.NewKVStore(kv.NewMemory()), 100)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}

	deps := b.deps(t)
	deps.Source = src
	deps.Repo = store
	deps.Profile = prof
	if tweak != nil {
		tweak(&deps)
	}
	p, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var events []Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return run{events: events, p: p, store: store, prof: prof}
}

func TestSearchUtteranceRoutesToBrowser(t *testing.T) {
	b := newBackends("search weather today")
	b.execute = func(req module.ExecuteRequest) (module.ExecuteResponse, error) {
		return module.ExecuteResponse{Result: "Showing results for weather today", OpenURL: "https://example.org/?q=weather+today"}, nil
	}
	r := runScript(t, testConfig(), b, nil)

	if len(r.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(r.events))
	}
	ev := r.events[0]
	if ev.Route != RouteBrowse || ev.Kind != EventResponse {
		t.Fatalf("route = %s kind = %s", ev.Route, ev.Kind)
	}
	if ev.Response != "Showing results for weather today" || ev.OpenURL == "" {
		t.Fatalf("event = %+v", ev)
	}
	if b.answers() != 0 {
		t.Fatalf("answer model should not be called, got %d", b.answers())
	}
	if len(b.executed) != 1 {
		t.Fatalf("execute calls = %d", len(b.executed))
	}
	in := b.executed[0].Intent
	if in == nil || in.Action != ActionSearch || in.Query != "weather today" {
		t.Fatalf("intent = %+v", in)
	}
	if ev.InteractionID == "" {
		t.Fatalf("browse turn should be persisted")
	}
}

func TestMinTranscriptionLength(t *testing.T) {
	cfg := testConfig()
	cfg.MinTranscriptionLength = 4
	b := newBackends("hello")
	r := runScript(t, cfg, b, nil)
	if len(r.events) != 1 || r.events[0].Response == "" {
		t.Fatalf("expected one answered turn, got %+v", r.events)
	}

	cfg.MinTranscriptionLength = 10
	b = newBackends("hello")
	r = runScript(t, cfg, b, nil)
	if len(r.events) != 0 {
		t.Fatalf("expected discard, got %+v", r.events)
	}
	if b.count(module.OpTranscribe) != 1 {
		t.Fatalf("transcribe calls = %d", b.count(module.OpTranscribe))
	}
	for _, op := range []module.Op{module.OpAccept, module.OpStop, module.OpGenerate, module.OpSpeak, module.OpExecute} {
		if n := b.count(op); n != 0 {
			t.Fatalf("%s called %d times after discard", op, n)
		}
	}
	recent, _ := r.store.ListRecent(context.Background(), 10)
	if len(recent) != 0 {
		t.Fatalf("discarded chunk was persisted")
	}
}

func TestAnswerTimeoutFallsBackToIntentThenTranscript(t *testing.T) {
	timeout := func(req module.GenerateRequest) (module.GenerateResponse, error) {
		if req.Format == "json" {
			return module.GenerateResponse{Text: `{"sentence": "What is the weather in Paris?", "certainty": 0.2}`}, nil
		}
		return module.GenerateResponse{}, module.NewError(module.KindTimeout, "deadline")
	}
	cfg := testConfig()
	cfg.RegenerationEnabled = true

	b := newBackends("what weather paris")
	b.generate = timeout
	r := runScript(t, cfg, b, nil)
	if len(r.events) != 1 || r.events[0].Response != "What is the weather in Paris?" {
		t.Fatalf("expected intent fallback, got %+v", r.events)
	}
	if b.answers() != 1 {
		t.Fatalf("low certainty should still try the answer model, calls = %d", b.answers())
	}

	b = newBackends("what weather paris")
	b.generate = func(module.GenerateRequest) (module.GenerateResponse, error) {
		return module.GenerateResponse{}, module.NewError(module.KindTimeout, "deadline")
	}
	r = runScript(t, cfg, b, nil)
	if len(r.events) != 1 || r.events[0].Response != "what weather paris" {
		t.Fatalf("expected transcript fallback, got %+v", r.events)
	}
	if r.events[0].Intent != "" {
		t.Fatalf("failed regeneration must leave no intent")
	}
}

func TestCertainIntentSkipsAnswerModel(t *testing.T) {
	cfg := testConfig()
	cfg.RegenerationEnabled = true
	b := newBackends("wats the time")
	b.generate = func(req module.GenerateRequest) (module.GenerateResponse, error) {
		if req.Format == "json" {
			// unquoted key and percentage certainty
			return module.GenerateResponse{Text: "```json\n{sentence: \"What's the time?\", \"certainty\": 92}\n```"}, nil
		}
		return module.GenerateResponse{Text: "It is noon."}, nil
	}
	r := runScript(t, cfg, b, nil)
	if len(r.events) != 1 {
		t.Fatalf("events = %+v", r.events)
	}
	ev := r.events[0]
	if ev.Response != "What's the time?" || ev.Certainty == nil || *ev.Certainty != 0.92 {
		t.Fatalf("event = %+v", ev)
	}
	if b.answers() != 0 {
		t.Fatalf("answer model called %d times", b.answers())
	}
}

func TestComposedAnswerUsesProfileRecentAndDocuments(t *testing.T) {
	cfg := testConfig()
	cfg.DocQAMode = true
	b := newBackends("tell me about paris", "and its river")
	b.ragDocs = true
	n := 0
	b.generate = func(req module.GenerateRequest) (module.GenerateResponse, error) {
		n++
		return module.GenerateResponse{Text: strings.Repeat("Answer ", n)}, nil
	}
	r := runScript(t, cfg, b, nil)
	if len(r.events) != 2 {
		t.Fatalf("events = %+v", r.events)
	}
	if b.count(module.OpRetrieve) != 2 {
		t.Fatalf("retrieve calls = %d", b.count(module.OpRetrieve))
	}
	last := b.generated[len(b.generated)-1]
	if !strings.Contains(last.System, "Paris is the capital of France.") {
		t.Fatalf("retrieved context missing from prompt: %q", last.System)
	}
	if !strings.Contains(last.System, "User: tell me about paris") {
		t.Fatalf("recent conversation missing from prompt: %q", last.System)
	}
	if last.User != "and its river" || last.Options.NumPredict != cfg.Answer.NumPredict {
		t.Fatalf("request = %+v", last)
	}
}

func TestRepeatedAnswerIsReplaced(t *testing.T) {
	b := newBackends("what is the capital", "and the capital again")
	b.generate = func(module.GenerateRequest) (module.GenerateResponse, error) {
		return module.GenerateResponse{Text: "Paris."}, nil
	}
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 2 {
		t.Fatalf("events = %+v", r.events)
	}
	if r.events[0].Response != "Paris." {
		t.Fatalf("first = %q", r.events[0].Response)
	}
	if r.events[1].Response != "and the capital again" {
		t.Fatalf("repeat should fall back to transcript, got %q", r.events[1].Response)
	}
}

func TestNeverSpeaksSameResponseTwiceInARow(t *testing.T) {
	b := newBackends("scroll down", "scroll up", "go back")
	b.execute = func(req module.ExecuteRequest) (module.ExecuteResponse, error) {
		if req.Intent != nil && req.Intent.Action == ActionGoBack {
			return module.ExecuteResponse{Result: "Went back."}, nil
		}
		return module.ExecuteResponse{Result: "Scrolled."}, nil
	}
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 3 {
		t.Fatalf("events = %+v", r.events)
	}
	if !r.events[0].Spoken || r.events[1].Spoken || !r.events[2].Spoken {
		t.Fatalf("spoken flags = %v %v %v", r.events[0].Spoken, r.events[1].Spoken, r.events[2].Spoken)
	}
	for i := 1; i < len(b.spoken); i++ {
		if b.spoken[i] == b.spoken[i-1] {
			t.Fatalf("consecutive identical speech: %v", b.spoken)
		}
	}
	if len(b.spoken) != 2 {
		t.Fatalf("spoken = %v", b.spoken)
	}
}

func TestEchoAndDuplicateSuppression(t *testing.T) {
	b := newBackends("how is the weather", "The weather is sunny today.", "how is the weather", "how is the weather")
	b.generate = func(module.GenerateRequest) (module.GenerateResponse, error) {
		return module.GenerateResponse{Text: "The weather is sunny today."}, nil
	}
	r := runScript(t, testConfig(), b, nil)
	// the echo never becomes an accepted transcript, so both later chunks
	// duplicate the first one
	if len(r.events) != 1 {
		t.Fatalf("expected 1 turn, got %d: %+v", len(r.events), r.events)
	}
	if b.count(module.OpAccept) != 1 {
		t.Fatalf("skipped chunks must not reach the speaker filter, accept = %d", b.count(module.OpAccept))
	}
}

func TestSpeakerFilterRejection(t *testing.T) {
	b := newBackends("someone else talking")
	b.reject = true
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 0 || b.count(module.OpStop) != 0 {
		t.Fatalf("rejected speaker produced events %+v / stop %d", r.events, b.count(module.OpStop))
	}
}

func TestSpeakerFilterErrorDefaultsToAccept(t *testing.T) {
	b := newBackends("hello there friend")
	r := runScript(t, testConfig(), b, func(d *Deps) {
		d.Speech = failingAccept{d.Speech}
	})
	if len(r.events) != 1 || b.count(module.OpStop) != 1 {
		t.Fatalf("expected accepted turn, got %+v", r.events)
	}
}

type failingAccept struct{ Speech }

func (failingAccept) Accept(context.Context, string, []byte) (bool, error) {
	return false, module.NewError(module.KindServiceUnavailable, "down")
}

func TestTrainingModeStoresFact(t *testing.T) {
	cfg := testConfig()
	cfg.TrainingMode = true
	b := newBackends("my favourite colour is green")
	r := runScript(t, cfg, b, nil)
	if len(r.events) != 1 || r.events[0].Kind != EventFactAdded || r.events[0].FactID == "" {
		t.Fatalf("events = %+v", r.events)
	}
	if b.count(module.OpSpeak) != 0 || b.answers() != 0 || b.count(module.OpExecute) != 0 {
		t.Fatalf("training turn must not answer or speak")
	}
	facts, _ := r.store.ListFacts(context.Background(), 10)
	if len(facts) != 1 || facts[0].Text != "my favourite colour is green" {
		t.Fatalf("facts = %+v", facts)
	}
	if r.prof.Generation() != 1 {
		t.Fatalf("generation = %d", r.prof.Generation())
	}
	snap, _ := r.prof.Snapshot(context.Background())
	if !strings.Contains(snap, "green") {
		t.Fatalf("snapshot = %q", snap)
	}
	recent, _ := r.store.ListRecent(context.Background(), 10)
	if len(recent) != 0 {
		t.Fatalf("training turn appended an interaction")
	}
}

func TestSpokenModeToggle(t *testing.T) {
	b := newBackends("browse on", "scroll down a bit", "stop browsing", "what is on this page now")
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 4 {
		t.Fatalf("events = %+v", r.events)
	}
	if r.events[0].Kind != EventMode || !r.events[0].Enabled {
		t.Fatalf("first = %+v", r.events[0])
	}
	if r.events[1].Route != RouteBrowse {
		t.Fatalf("browse mode should route to browser, got %s", r.events[1].Route)
	}
	if r.events[2].Kind != EventMode || r.events[2].Enabled {
		t.Fatalf("third = %+v", r.events[2])
	}
	if r.events[3].Route != RouteAnswer {
		t.Fatalf("browse off should answer, got %s", r.events[3].Route)
	}
	if b.count(module.OpExecute) != 1 || r.p.BrowseMode() {
		t.Fatalf("execute = %d browse = %v", b.count(module.OpExecute), r.p.BrowseMode())
	}
}

func TestBrowseModeIgnoresContinuationSpeech(t *testing.T) {
	b := newBackends("browse on", "open the first result", "to open a result one here two click here", "search for cheap flights")
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 3 {
		t.Fatalf("events = %+v", r.events)
	}
	if r.events[1].Route != RouteBrowse || r.events[2].Route != RouteBrowse {
		t.Fatalf("routes = %s %s", r.events[1].Route, r.events[2].Route)
	}
	if len(b.executed) != 2 {
		t.Fatalf("execute calls = %d", len(b.executed))
	}
	if got := b.executed[1].Utterance; got != "search for cheap flights" {
		t.Fatalf("second command = %q", got)
	}
	if b.answers() != 0 {
		t.Fatalf("continuation speech reached the answer model")
	}
	recent, _ := r.store.ListRecent(context.Background(), 10)
	if len(recent) != 2 {
		t.Fatalf("persisted %d interactions, want 2", len(recent))
	}
}

func TestBrowseFailureIsReported(t *testing.T) {
	b := newBackends("click the first result")
	b.execute = func(module.ExecuteRequest) (module.ExecuteResponse, error) {
		return module.ExecuteResponse{}, module.NewError(module.KindLocalFault, "no tab open")
	}
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 1 || r.events[0].Response != "Could not complete that action. no tab open" {
		t.Fatalf("events = %+v", r.events)
	}
}

func TestBrowseWithoutBrowserFallsBackToAnswer(t *testing.T) {
	b := newBackends("go back to what you said")
	r := runScript(t, testConfig(), b, func(d *Deps) { d.Browser = nil })
	if len(r.events) != 1 || r.events[0].Route != RouteAnswer {
		t.Fatalf("events = %+v", r.events)
	}
}

func TestSpokenCorrectionUpdatesPreviousInteraction(t *testing.T) {
	b := newBackends("weather in pairs", "I meant weather in Paris")
	r := runScript(t, testConfig(), b, nil)
	if len(r.events) != 2 {
		t.Fatalf("events = %+v", r.events)
	}
	first, err := r.store.Get(context.Background(), r.events[0].InteractionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Correction != "weather in Paris" {
		t.Fatalf("correction = %q", first.Correction)
	}
	if r.events[1].Transcript != "weather in Paris" || r.prof.Generation() != 1 {
		t.Fatalf("second = %+v gen %d", r.events[1], r.prof.Generation())
	}
}

func TestExternalOperationsBumpGeneration(t *testing.T) {
	b := newBackends("remember this please")
	r := runScript(t, testConfig(), b, nil)
	ctx := context.Background()
	id := r.events[0].InteractionID
	if err := r.p.RecordCorrection(ctx, id, "remember that please"); err != nil {
		t.Fatalf("correction: %v", err)
	}
	if err := r.p.AcceptCompletion(ctx, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := r.p.RunCurator(ctx); err != nil {
		t.Fatalf("curate: %v", err)
	}
	if r.prof.Generation() != 3 {
		t.Fatalf("generation = %d", r.prof.Generation())
	}
	if err := r.p.AcceptCompletion(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.prof.Generation() != 3 {
		t.Fatalf("failed accept bumped the generation")
	}
}

type faultySource struct{ err error }

func (s faultySource) Next(context.Context) (capture.Chunk, error) { return capture.Chunk{}, s.err }
func (s faultySource) Close() error                                { return nil }

func TestStreamFaultEndsRun(t *testing.T) {
	b := newBackends()
	d := b.deps(t)
	d.Source = faultySource{err: errors.New("device unplugged")}
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d.Repo = store
	p, err := New(testConfig(), d)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrStreamFault) {
		t.Fatalf("expected stream fault, got %v", err)
	}
	if _, ok := <-p.Events(); ok {
		t.Fatalf("events channel should be closed")
	}
}

func TestStopUnblocksIdleWorker(t *testing.T) {
	b := newBackends()
	d := b.deps(t)
	src := capture.NewChanSource(1)
	d.Source = src
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d.Repo = store
	p, err := New(testConfig(), d)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.Push(context.Background(), capture.Chunk{}) {
		t.Fatalf("source should be closed by Stop")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("worker still running after Stop")
	}
}

func TestStopFinishesTurnInFlight(t *testing.T) {
	b := newBackends("what is the capital of France")
	inFlight := make(chan struct{})
	var once sync.Once
	b.generate = func(module.GenerateRequest) (module.GenerateResponse, error) {
		once.Do(func() { close(inFlight) })
		time.Sleep(100 * time.Millisecond)
		return module.GenerateResponse{Text: "Paris."}, nil
	}
	d := b.deps(t)
	src := capture.NewChanSource(1)
	d.Source = src
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d.Repo = store
	p, err := New(testConfig(), d)
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan []Event, 1)
	go func() {
		var got []Event
		for ev := range p.Events() {
			got = append(got, ev)
		}
		events <- got
	}()

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !src.Push(context.Background(), capture.Chunk{Samples: []int16{0, 0, 0, 0}, SampleRate: 16000}) {
		t.Fatal("push failed")
	}
	select {
	case <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the answer model")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := <-events
	if len(got) != 1 || got[0].Response != "Paris." || got[0].InteractionID == "" {
		t.Fatalf("events = %+v", got)
	}
	recent, err := store.ListRecent(context.Background(), 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("persisted = %d, %v", len(recent), err)
	}
	if b.count(module.OpSpeak) != 1 {
		t.Fatalf("speak calls = %d", b.count(module.OpSpeak))
	}
}

func TestStopCancelsTurnAfterDeadline(t *testing.T) {
	b := newBackends("what is the capital of France")
	inFlight := make(chan struct{})
	var once sync.Once
	b.generate = func(module.GenerateRequest) (module.GenerateResponse, error) {
		once.Do(func() { close(inFlight) })
		time.Sleep(300 * time.Millisecond)
		return module.GenerateResponse{Text: "Paris."}, nil
	}
	d := b.deps(t)
	src := capture.NewChanSource(1)
	d.Source = src
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	d.Repo = store
	p, err := New(testConfig(), d)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range p.Events() {
		}
	}()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.Push(context.Background(), capture.Chunk{Samples: []int16{0, 0, 0, 0}, SampleRate: 16000})
	<-inFlight
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop past deadline = %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept running after cancel")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(testConfig(), Deps{}); err == nil {
		t.Fatalf("expected error")
	}
}
