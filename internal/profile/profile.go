// Package profile caches the user-profile text injected into answer prompts.
// The cache is keyed by a generation counter that every correction,
// accepted completion, training fact and curator run bumps.
package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
)

// Source supplies the raw profile material.
type Source interface {
	ProfileInputs(ctx context.Context, limit int) ([]history.ProfileInput, error)
}

// GenerationStore persists the generation and the last built snapshot.
type GenerationStore interface {
	ProfileGeneration(ctx context.Context) (uint64, error)
	SetProfileGeneration(ctx context.Context, gen uint64) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Snapshot is profile text built at a given generation.
type Snapshot struct {
	Generation uint64    `json:"generation"`
	Text       string    `json:"text"`
	BuiltAt    time.Time `json:"built_at"`
}

// Cache hands out the current snapshot, rebuilding it when the generation
// has moved past the cached one.
type Cache struct {
	gen   atomic.Uint64
	src   Source
	store GenerationStore
	limit int

	mu   sync.Mutex
	snap *Snapshot

	persistMu sync.Mutex
}

// New restores the generation (and a matching snapshot) from store. store
// may be nil, in which case nothing survives a restart.
func New(ctx context.Context, src Source, store GenerationStore, limit int) (*Cache, error) {
	c := &Cache{src: src, store: store, limit: limit}
	if store == nil {
		return c, nil
	}
	g, err := store.ProfileGeneration(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile generation: %w", err)
	}
	c.gen.Store(g)
	if s, ok, err := store.LoadSnapshot(ctx); err != nil {
		logging.Warnw("profile: ignoring unreadable snapshot", "err", err)
	} else if ok && s.Generation == g {
		c.snap = &s
	}
	return c, nil
}

// Generation is the current generation.
func (c *Cache) Generation() uint64 { return c.gen.Load() }

// Invalidate advances the generation so the next Snapshot rebuilds.
func (c *Cache) Invalidate(ctx context.Context, reason string) uint64 {
	g := c.gen.Add(1)
	logging.Debugw("profile invalidated", "generation", g, "reason", reason)
	if c.store != nil {
		c.persistMu.Lock()
		// persist the latest value so racing invalidations never store a lower one
		if err := c.store.SetProfileGeneration(ctx, c.gen.Load()); err != nil {
			logging.Warnw("profile: persist generation failed", "err", err)
		}
		c.persistMu.Unlock()
	}
	return g
}

// Snapshot returns profile text at or after the current generation.
func (c *Cache) Snapshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gen.Load()
	if c.snap != nil && c.snap.Generation == g {
		return c.snap.Text, nil
	}
	if c.src == nil {
		return "", nil
	}
	inputs, err := c.src.ProfileInputs(ctx, c.limit)
	if err != nil {
		return "", fmt.Errorf("profile inputs: %w", err)
	}
	s := Snapshot{Generation: g, Text: Build(inputs), BuiltAt: time.Now().UTC()}
	c.snap = &s
	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, s); err != nil {
			logging.Warnw("profile: persist snapshot failed", "err", err)
		}
	}
	return s.Text, nil
}

// Build renders inputs, which arrive ordered by weight then recency, as
// prompt text. No inputs gives an empty string.
func Build(inputs []history.ProfileInput) string {
	if len(inputs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("What we know about the user:\n")
	for _, in := range inputs {
		switch in.Kind {
		case history.InputCorrection:
			fmt.Fprintf(&b, "- When asked %q, the right answer is: %s\n", in.Original, in.Text)
		case history.InputAccepted:
			if in.Original != "" {
				fmt.Fprintf(&b, "- For %q this answer was confirmed: %s\n", in.Original, in.Text)
			} else {
				fmt.Fprintf(&b, "- Confirmed answer: %s\n", in.Text)
			}
		case history.InputFact:
			fmt.Fprintf(&b, "- %s\n", in.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
