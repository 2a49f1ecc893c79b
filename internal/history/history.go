// Package history persists interactions, corrections and training facts in
// SQLite and serves the inputs the profile snapshot is built from.
package history

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an interaction id does not exist.
var ErrNotFound = errors.New("history: not found")

// Interaction is one completed turn.
type Interaction struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	Transcript         string    `json:"transcript"`
	Response           string    `json:"response"`
	Correction         string    `json:"correction,omitempty"`
	Accepted           bool      `json:"accepted"`
	Weight             *float64  `json:"weight,omitempty"`
	ExcludeFromProfile bool      `json:"exclude_from_profile"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Fact is an utterance captured while training mode was on.
type Fact struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// InputKind labels where a profile input came from.
type InputKind string

const (
	InputCorrection InputKind = "correction"
	InputAccepted   InputKind = "accepted"
	InputFact       InputKind = "fact"
)

// ProfileInput is one line of material for the user profile.
type ProfileInput struct {
	Kind      InputKind
	Text      string
	Original  string
	Weight    float64
	CreatedAt time.Time
}

// Per-kind caps on profile material.
const (
	CorrectionProfileLimit = 200
	AcceptedProfileLimit   = 50
	FactProfileLimit       = 100
)

// AcceptedWeight is the minimum weight of an accepted completion.
const AcceptedWeight = 2.0

// CuratorConfig tunes a curation pass.
type CuratorConfig struct {
	MinWeight                 float64
	MaxWeight                 float64
	CorrectionWeightBump      float64
	PatternCountWeightScale   float64
	ExcludeDuplicatePhrase    bool
	ExcludeEmptyTranscription bool
	// DeleteOlderThan removes interactions older than this age; zero keeps all.
	DeleteOlderThan time.Duration
	MaxInteractions int
}

func DefaultCuratorConfig() CuratorConfig {
	return CuratorConfig{
		MinWeight:                 0,
		MaxWeight:                 10,
		CorrectionWeightBump:      1.5,
		PatternCountWeightScale:   0.5,
		ExcludeDuplicatePhrase:    true,
		ExcludeEmptyTranscription: true,
		MaxInteractions:           10_000,
	}
}

// CurateResult counts what a curation pass changed.
type CurateResult struct {
	WeightsUpdated int `json:"weights_updated"`
	Excluded       int `json:"excluded"`
	Deleted        int `json:"deleted"`
}
