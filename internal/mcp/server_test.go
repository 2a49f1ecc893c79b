package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/talkie-voice-lab/internal/history"
)

// fakeMemory is written from the server's session goroutines.
type fakeMemory struct {
	mu          sync.Mutex
	reasons     []string
	facts       []history.Fact
	corrections map[string]string
}

func (f *fakeMemory) ListRecent(context.Context, int) ([]history.Interaction, error) {
	return []history.Interaction{{ID: "i1", Transcript: "what time is it", Response: "noon"}}, nil
}

func (f *fakeMemory) ListFacts(_ context.Context, limit int) ([]history.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Fact(nil), f.facts...), nil
}

func (f *fakeMemory) AddTrainingFact(_ context.Context, text string) (history.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fact := history.Fact{ID: "f1", Text: text}
	f.facts = append(f.facts, fact)
	return fact, nil
}

func (f *fakeMemory) AddCorrection(_ context.Context, id, text string) error {
	if id != "i1" {
		return history.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrections[id] = text
	return nil
}

func TestMemoryServerTools(t *testing.T) {
	mem := &fakeMemory{corrections: map[string]string{}}
	server := NewMemoryServer("talkie-memory", "test", mem, func(_ context.Context, reason string) {
		mem.mu.Lock()
		mem.reasons = append(mem.reasons, reason)
		mem.mu.Unlock()
	})
	srv := httptest.NewServer(WebSocketHandler(server))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := NewClientWrapper("talkie-test", "test")
	if err := w.ConnectWebSocket(ctx, srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	text, err := w.CallText(ctx, ToolRecentInteractions, map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	var rows []history.Interaction
	if err := json.Unmarshal([]byte(text), &rows); err != nil || len(rows) != 1 || rows[0].Response != "noon" {
		t.Fatalf("recent rows = %v (%v)", rows, err)
	}

	if _, err := w.CallText(ctx, ToolAddFact, map[string]any{"text": "I live in Lisbon"}); err != nil {
		t.Fatalf("add fact: %v", err)
	}
	text, err = w.CallText(ctx, ToolListFacts, map[string]any{})
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	var facts []history.Fact
	if err := json.Unmarshal([]byte(text), &facts); err != nil || len(facts) != 1 || facts[0].Text != "I live in Lisbon" {
		t.Fatalf("facts = %v (%v)", facts, err)
	}

	if _, err := w.CallText(ctx, ToolCorrect, map[string]any{"interaction_id": "i1", "text": "half past twelve"}); err != nil {
		t.Fatalf("correct: %v", err)
	}
	mem.mu.Lock()
	got := mem.corrections["i1"]
	mem.mu.Unlock()
	if got != "half past twelve" {
		t.Fatalf("correction not stored: %q", got)
	}

	_, err = w.CallText(ctx, ToolCorrect, map[string]any{"interaction_id": "nope", "text": "x"})
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("unknown interaction should fail the tool, got %v", err)
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.reasons) != 2 || mem.reasons[0] != "fact" || mem.reasons[1] != "correction" {
		t.Fatalf("change notifications = %v", mem.reasons)
	}
}
