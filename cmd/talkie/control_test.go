package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/talkie-voice-lab/internal/broadcast"
	"github.com/talkie-voice-lab/internal/history"
)

type fakeController struct {
	training, browse, docQA atomic.Bool

	corrected map[string]string
	accepted  []string
	curated   int
}

func (f *fakeController) SetTrainingMode(on bool) { f.training.Store(on) }
func (f *fakeController) SetBrowseMode(on bool)   { f.browse.Store(on) }
func (f *fakeController) SetDocQAMode(on bool)    { f.docQA.Store(on) }
func (f *fakeController) TrainingMode() bool      { return f.training.Load() }
func (f *fakeController) BrowseMode() bool        { return f.browse.Load() }
func (f *fakeController) DocQAMode() bool         { return f.docQA.Load() }

func (f *fakeController) RecordCorrection(_ context.Context, id, text string) error {
	if id != "known" {
		return history.ErrNotFound
	}
	if f.corrected == nil {
		f.corrected = map[string]string{}
	}
	f.corrected[id] = text
	return nil
}

func (f *fakeController) AcceptCompletion(_ context.Context, id string) error {
	if id != "known" {
		return history.ErrNotFound
	}
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeController) RunCurator(context.Context) (history.CurateResult, error) {
	f.curated++
	return history.CurateResult{}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestControlModes(t *testing.T) {
	fc := &fakeController{}
	api := newControlAPI(fc, broadcast.NewHub(zap.NewNop()), "")

	rec := do(t, api, http.MethodPut, "/api/v1/modes", `{"browse":true,"doc_qa":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got modesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Training || !got.Browse || !got.DocQA {
		t.Fatalf("modes = %+v", got)
	}
	if !fc.BrowseMode() || fc.TrainingMode() {
		t.Fatalf("controller not updated")
	}

	rec = do(t, api, http.MethodPut, "/api/v1/modes", `{"browse":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestControlCorrectionAndAccept(t *testing.T) {
	fc := &fakeController{}
	api := newControlAPI(fc, broadcast.NewHub(zap.NewNop()), "")

	rec := do(t, api, http.MethodPost, "/api/v1/interactions/known/correction", `{"text":"the right answer"}`, nil)
	if rec.Code != http.StatusOK || fc.corrected["known"] != "the right answer" {
		t.Fatalf("correction: status=%d recorded=%v", rec.Code, fc.corrected)
	}
	rec = do(t, api, http.MethodPost, "/api/v1/interactions/known/correction", `{"text":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty correction status = %d", rec.Code)
	}
	rec = do(t, api, http.MethodPost, "/api/v1/interactions/missing/accept", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown accept status = %d", rec.Code)
	}
	rec = do(t, api, http.MethodPost, "/api/v1/interactions/known/accept", "", nil)
	if rec.Code != http.StatusOK || len(fc.accepted) != 1 {
		t.Fatalf("accept: status=%d accepted=%v", rec.Code, fc.accepted)
	}
	rec = do(t, api, http.MethodPost, "/api/v1/curate", "", nil)
	if rec.Code != http.StatusOK || fc.curated != 1 {
		t.Fatalf("curate: status=%d runs=%d", rec.Code, fc.curated)
	}
}

func TestControlAPIKey(t *testing.T) {
	fc := &fakeController{}
	api := newControlAPI(fc, broadcast.NewHub(zap.NewNop()), "secret")

	if rec := do(t, api, http.MethodGet, "/api/v1/modes", "", nil); rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d", rec.Code)
	}
	if rec := do(t, api, http.MethodGet, "/api/v1/modes", "", map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
	if rec := do(t, api, http.MethodGet, "/api/v1/modes", "", map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusOK {
		t.Fatalf("header key status = %d", rec.Code)
	}
	if rec := do(t, api, http.MethodGet, "/api/v1/modes", "", map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer key status = %d", rec.Code)
	}
	if rec := do(t, api, http.MethodGet, "/api/v1/modes?api_key=secret", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("query key status = %d", rec.Code)
	}
	if rec := do(t, api, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should not need a key, got %d", rec.Code)
	}
}
