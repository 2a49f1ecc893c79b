// Package pipeline runs voice turns: each captured chunk is transcribed,
// filtered against echoes and repeats, optionally regenerated, routed to
// training, browsing or answering, persisted and emitted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/echoguard"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

var (
	// ErrStreamFault wraps a capture failure that ended the run.
	ErrStreamFault = errors.New("pipeline: capture stream failed")
	// ErrAlreadyRunning is returned by Run and Start after the first call.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// BrowseFailurePrefix starts the response when the browser capability fails.
const BrowseFailurePrefix = "Could not complete that action."

// Speech is the speech capability set. *module.Client satisfies it.
type Speech interface {
	Transcribe(ctx context.Context, wav []byte, sampleRate int) (string, error)
	Accept(ctx context.Context, text string, wav []byte) (bool, error)
	Speak(ctx context.Context, text string) error
	StopSpeaking(ctx context.Context) error
}

type LLM interface {
	Generate(ctx context.Context, req module.GenerateRequest) (string, error)
}

type RAG interface {
	Retrieve(ctx context.Context, query string, topK int) (string, error)
	HasDocuments(ctx context.Context) (bool, error)
}

type Browser interface {
	Execute(ctx context.Context, req module.ExecuteRequest) (module.ExecuteResponse, error)
}

// Repository is the persistence the pipeline needs. *history.SQLiteStore
// satisfies it.
type Repository interface {
	AppendInteraction(ctx context.Context, sessionID, transcript, response string) (history.Interaction, error)
	ListRecent(ctx context.Context, n int) ([]history.Interaction, error)
	AddTrainingFact(ctx context.Context, text string) (history.Fact, error)
	AddCorrection(ctx context.Context, interactionID, text string) error
	AcceptCompletion(ctx context.Context, interactionID string) error
	Curate(ctx context.Context, cfg history.CuratorConfig) (history.CurateResult, error)
}

// Profile is the profile snapshot cache. *profile.Cache satisfies it.
type Profile interface {
	Snapshot(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, reason string) uint64
}

// Deps are the collaborators of a pipeline. Speech, Source and Repo are
// required; a nil LLM, RAG, Browser or Profile disables what depends on it.
type Deps struct {
	Source  capture.Source
	Speech  Speech
	LLM     LLM
	RAG     RAG
	Browser Browser
	Repo    Repository
	Profile Profile
}

type GenerationOptions struct {
	NumPredict  int
	Temperature float64
}

type Config struct {
	SessionID              string
	MinTranscriptionLength int
	FuzzyThreshold         float64
	CertaintyThreshold     float64
	RecentN                int
	TopK                   int
	OutputBuffer           int
	SystemPrompt           string

	RegenerationEnabled bool
	Regeneration        GenerationOptions
	Answer              GenerationOptions

	TrainingMode bool
	BrowseMode   bool
	DocQAMode    bool

	Curator history.CuratorConfig
}

// DefaultConfig matches the defaults of the config package.
func DefaultConfig() Config {
	return Config{
		MinTranscriptionLength: 3,
		FuzzyThreshold:         echoguard.DefaultFuzzyThreshold,
		CertaintyThreshold:     0.7,
		RecentN:                10,
		TopK:                   5,
		OutputBuffer:           32,
		RegenerationEnabled:    true,
		Regeneration:           GenerationOptions{NumPredict: 128, Temperature: 0.2},
		Answer:                 GenerationOptions{NumPredict: 256, Temperature: 0.7},
		Curator:                history.DefaultCuratorConfig(),
	}
}

// Pipeline owns the single turn worker.
type Pipeline struct {
	cfg    Config
	deps   Deps
	events chan Event

	training atomic.Bool
	browse   atomic.Bool
	docQA    atomic.Bool

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	runErr  error

	// worker state, touched only by the worker goroutine
	lastSpoken      string
	acceptedPhrases []string
	replyNorms      []string
	lastInteraction string
}

// New validates deps and builds a pipeline. Call Start or Run to process
// chunks.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Source == nil || deps.Speech == nil || deps.Repo == nil {
		return nil, errors.New("pipeline: source, speech and repository are required")
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 32
	}
	if cfg.RecentN <= 0 {
		cfg.RecentN = 10
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		events: make(chan Event, cfg.OutputBuffer),
		done:   make(chan struct{}),
	}
	p.training.Store(cfg.TrainingMode)
	p.browse.Store(cfg.BrowseMode)
	p.docQA.Store(cfg.DocQAMode)
	return p, nil
}

// Events is closed when the worker exits.
func (p *Pipeline) Events() <-chan Event { return p.events }

func (p *Pipeline) SessionID() string { return p.cfg.SessionID }

func (p *Pipeline) SetTrainingMode(on bool) { p.training.Store(on) }
func (p *Pipeline) SetBrowseMode(on bool)   { p.browse.Store(on) }
func (p *Pipeline) SetDocQAMode(on bool)    { p.docQA.Store(on) }

func (p *Pipeline) TrainingMode() bool { return p.training.Load() }
func (p *Pipeline) BrowseMode() bool   { return p.browse.Load() }
func (p *Pipeline) DocQAMode() bool    { return p.docQA.Load() }

// Start runs the worker in the background.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx = p.withCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(ctx)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
	}()
	return nil
}

// Run processes chunks until the source ends, ctx is cancelled or the
// capture stream fails. Only a stream failure is returned as an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx = p.withCancel(ctx)
	err := p.run(ctx)
	p.mu.Lock()
	p.runErr = err
	p.cancel()
	p.mu.Unlock()
	return err
}

func (p *Pipeline) withCancel(ctx context.Context) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, p.cancel = context.WithCancel(ctx)
	return ctx
}

// Stop closes the source so no new turn starts and waits for the worker to
// finish the turn in flight. The worker is cancelled only when ctx expires
// first. It returns the run error, if any.
func (p *Pipeline) Stop(ctx context.Context) error {
	if err := p.deps.Source.Close(); err != nil {
		logging.Debugw("pipeline: source close", "err", err)
	}
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		logging.Warnw("pipeline: stop deadline reached, cancelling turn", "session.id", p.cfg.SessionID)
		cancel()
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
	p.wg.Wait()
	cancel()
	return p.Err()
}

// Err is the run error once the worker has exited.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// Done is closed when the worker exits.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) run(ctx context.Context) error {
	defer close(p.done)
	defer close(p.events)
	logging.Infow("pipeline started", "session.id", p.cfg.SessionID)
	for {
		chunk, err := p.deps.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, capture.ErrClosed) || ctx.Err() != nil {
				logging.Infow("pipeline stopped", "session.id", p.cfg.SessionID, "reason", err)
				return nil
			}
			logging.Errorw("pipeline: capture failed", "session.id", p.cfg.SessionID, "err", err)
			return fmt.Errorf("%w: %v", ErrStreamFault, err)
		}
		if err := p.turn(ctx, chunk); err != nil {
			// only emission can fail, and only once ctx is done
			return nil
		}
	}
}

// RecordCorrection stores a user correction for an earlier interaction.
func (p *Pipeline) RecordCorrection(ctx context.Context, interactionID, text string) error {
	if err := p.deps.Repo.AddCorrection(ctx, interactionID, text); err != nil {
		return err
	}
	p.invalidate(ctx, "correction")
	return nil
}

// AcceptCompletion marks an interaction's response as a good example.
func (p *Pipeline) AcceptCompletion(ctx context.Context, interactionID string) error {
	if err := p.deps.Repo.AcceptCompletion(ctx, interactionID); err != nil {
		return err
	}
	p.invalidate(ctx, "accepted_completion")
	return nil
}

// RunCurator reweights and prunes history, then bumps the profile generation.
func (p *Pipeline) RunCurator(ctx context.Context) (history.CurateResult, error) {
	res, err := p.deps.Repo.Curate(ctx, p.cfg.Curator)
	if err != nil {
		return res, err
	}
	p.invalidate(ctx, "curator")
	logging.Infow("curator finished", "weights_updated", res.WeightsUpdated, "excluded", res.Excluded, "deleted", res.Deleted)
	return res, nil
}

func (p *Pipeline) invalidate(ctx context.Context, reason string) {
	if p.deps.Profile != nil {
		p.deps.Profile.Invalidate(ctx, reason)
	}
}

func (p *Pipeline) emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.SessionID = p.cfg.SessionID
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
