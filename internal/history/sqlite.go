package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/talkie-voice-lab/internal/echoguard"
)

// SQLiteStore implements the pipeline repository on SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer keeps rowid order equal to append order
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id                   TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL DEFAULT '',
		transcript           TEXT NOT NULL,
		response             TEXT NOT NULL,
		correction           TEXT,
		accepted             INTEGER NOT NULL DEFAULT 0,
		weight               REAL,
		exclude_from_profile INTEGER NOT NULL DEFAULT 0,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
	CREATE INDEX IF NOT EXISTS idx_interactions_weight ON interactions(weight) WHERE weight IS NOT NULL;

	CREATE TABLE IF NOT EXISTS training_facts (
		id         TEXT PRIMARY KEY,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// AppendInteraction stores a completed turn. Rows are read back in append order.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, sessionID, transcript, response string) (Interaction, error) {
	now := time.Now().UTC()
	in := Interaction{
		ID:         s.newID(),
		SessionID:  sessionID,
		Transcript: transcript,
		Response:   response,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, session_id, transcript, response, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Transcript, in.Response, formatTime(now), formatTime(now))
	if err != nil {
		return Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	return in, nil
}

const interactionCols = `id, session_id, transcript, response, correction, accepted, weight, exclude_from_profile, created_at, updated_at`

func scanInteraction(sc interface{ Scan(...any) error }) (Interaction, error) {
	var (
		in                 Interaction
		correction         sql.NullString
		weight             sql.NullFloat64
		accepted, excluded int
		created, updated   string
	)
	if err := sc.Scan(&in.ID, &in.SessionID, &in.Transcript, &in.Response, &correction, &accepted, &weight, &excluded, &created, &updated); err != nil {
		return Interaction{}, err
	}
	in.Correction = correction.String
	in.Accepted = accepted != 0
	if weight.Valid {
		w := weight.Float64
		in.Weight = &w
	}
	in.ExcludeFromProfile = excluded != 0
	in.CreatedAt = parseTime(created)
	in.UpdatedAt = parseTime(updated)
	return in, nil
}

// ListRecent returns the last n interactions, oldest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, n int) ([]Interaction, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionCols+` FROM (SELECT rowid AS r, * FROM interactions ORDER BY rowid DESC LIMIT ?) ORDER BY r ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Get returns one interaction by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionCols+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	return in, err
}

// AddTrainingFact stores an utterance heard in training mode.
func (s *SQLiteStore) AddTrainingFact(ctx context.Context, text string) (Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Fact{}, errors.New("history: empty training fact")
	}
	f := Fact{ID: s.newID(), Text: text, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO training_facts (id, text, created_at) VALUES (?, ?, ?)`,
		f.ID, f.Text, formatTime(f.CreatedAt))
	if err != nil {
		return Fact{}, fmt.Errorf("insert fact: %w", err)
	}
	return f, nil
}

// ListFacts returns training facts, newest first.
func (s *SQLiteStore) ListFacts(ctx context.Context, limit int) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, created_at FROM training_facts ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	var out []Fact
	for rows.Next() {
		var f Fact
		var created string
		if err := rows.Scan(&f.ID, &f.Text, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, formatTime(time.Now()), id)
	res, err := s.db.ExecContext(ctx, `UPDATE interactions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCorrection records what the response should have been.
func (s *SQLiteStore) AddCorrection(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("history: empty correction")
	}
	return s.update(ctx, id, `correction = ?`, text)
}

// AcceptCompletion marks a response as confirmed by the user.
func (s *SQLiteStore) AcceptCompletion(ctx context.Context, id string) error {
	return s.update(ctx, id, `accepted = 1, weight = MAX(COALESCE(weight, 0), ?)`, AcceptedWeight)
}

// SetExcluded toggles whether an interaction feeds the profile.
func (s *SQLiteStore) SetExcluded(ctx context.Context, id string, exclude bool) error {
	v := 0
	if exclude {
		v = 1
	}
	return s.update(ctx, id, `exclude_from_profile = ?`, v)
}

// Curate reweights interactions oldest first: corrections and repeated
// phrases gain weight, empty and duplicate transcripts are excluded, and
// rows past the retention age are deleted.
func (s *SQLiteStore) Curate(ctx context.Context, cfg CuratorConfig) (CurateResult, error) {
	var res CurateResult
	if cfg.MaxWeight <= 0 {
		cfg = DefaultCuratorConfig()
	}
	if cfg.MaxInteractions <= 0 {
		cfg.MaxInteractions = DefaultCuratorConfig().MaxInteractions
	}

	if cfg.DeleteOlderThan > 0 {
		cutoff := formatTime(time.Now().Add(-cfg.DeleteOlderThan))
		r, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE created_at < ?`, cutoff)
		if err != nil {
			return res, fmt.Errorf("curate delete: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Deleted = int(n)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+interactionCols+` FROM interactions ORDER BY rowid ASC LIMIT ?`, cfg.MaxInteractions)
	if err != nil {
		return res, fmt.Errorf("curate list: %w", err)
	}
	var all []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			rows.Close()
			return res, err
		}
		all = append(all, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	counts := make(map[string]int)
	for _, in := range all {
		if n := echoguard.Normalize(in.Transcript); n != "" {
			counts[n]++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := formatTime(time.Now())
	seen := make(map[string]bool)
	for _, in := range all {
		norm := echoguard.Normalize(in.Transcript)
		exclude := in.ExcludeFromProfile
		switch {
		case norm == "" && cfg.ExcludeEmptyTranscription:
			exclude = true
		case cfg.ExcludeDuplicatePhrase && seen[norm] && in.Correction == "" && !in.Accepted:
			exclude = true
		}
		seen[norm] = true

		w := 1.0
		if in.Correction != "" {
			w += cfg.CorrectionWeightBump
		}
		if in.Accepted {
			w = math.Max(w, AcceptedWeight)
		}
		if c := counts[norm]; c > 1 {
			w += cfg.PatternCountWeightScale * float64(c-1)
		}
		w = math.Min(math.Max(w, cfg.MinWeight), cfg.MaxWeight)

		weightChanged := in.Weight == nil || *in.Weight != w
		if !weightChanged && exclude == in.ExcludeFromProfile {
			continue
		}
		ex := 0
		if exclude {
			ex = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE interactions SET weight = ?, exclude_from_profile = ?, updated_at = ? WHERE id = ?`,
			w, ex, now, in.ID); err != nil {
			return res, fmt.Errorf("curate update: %w", err)
		}
		if weightChanged {
			res.WeightsUpdated++
		}
		if exclude && !in.ExcludeFromProfile {
			res.Excluded++
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ProfileInputs returns corrections, accepted completions and training
// facts, ordered by weight and then recency. limit caps each kind; zero
// uses the package defaults.
func (s *SQLiteStore) ProfileInputs(ctx context.Context, limit int) ([]ProfileInput, error) {
	corrLimit, accLimit, factLimit := CorrectionProfileLimit, AcceptedProfileLimit, FactProfileLimit
	if limit > 0 {
		corrLimit, accLimit, factLimit = limit, limit, limit
	}
	var out []ProfileInput

	q := func(where string, n int, kind InputKind) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT transcript, response, correction, COALESCE(weight, 1.0), created_at FROM interactions
			 WHERE exclude_from_profile = 0 AND `+where+`
			 ORDER BY COALESCE(weight, 1.0) DESC, rowid DESC LIMIT ?`, n)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var transcript, response, created string
			var correction sql.NullString
			var w float64
			if err := rows.Scan(&transcript, &response, &correction, &w, &created); err != nil {
				return err
			}
			in := ProfileInput{Kind: kind, Original: transcript, Weight: w, CreatedAt: parseTime(created)}
			if kind == InputCorrection {
				in.Text = correction.String
			} else {
				in.Text = response
			}
			out = append(out, in)
		}
		return rows.Err()
	}
	if err := q(`correction IS NOT NULL AND correction != ''`, corrLimit, InputCorrection); err != nil {
		return nil, fmt.Errorf("profile corrections: %w", err)
	}
	if err := q(`accepted = 1 AND (correction IS NULL OR correction = '')`, accLimit, InputAccepted); err != nil {
		return nil, fmt.Errorf("profile accepted: %w", err)
	}
	facts, err := s.ListFacts(ctx, factLimit)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		out = append(out, ProfileInput{Kind: InputFact, Text: f.Text, Weight: 1, CreatedAt: f.CreatedAt})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
