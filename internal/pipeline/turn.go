package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/talkie-voice-lab/internal/capture"
	"github.com/talkie-voice-lab/internal/echoguard"
	"github.com/talkie-voice-lab/internal/history"
	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

// Transcript is the text recognized from one chunk.
type Transcript struct {
	Text    string
	ChunkAt time.Time
	At      time.Time
	RMS     float64
}

// TurnContext is the working state of a single turn.
type TurnContext struct {
	ID               string
	Transcript       Transcript
	Intent           string
	Certainty        *float64
	RegenerationUsed bool
	Route            Route
	Response         string
	OpenURL          string
	InteractionID    string

	CorrectionOccurred bool
	FactAdded          bool

	profile string
	recent  []history.Interaction
}

type recentTurn struct {
	User      string
	Assistant string
}

func (p *Pipeline) state(ctx context.Context, name string, kv ...interface{}) {
	logging.DebugwCtx(ctx, "turn: "+name, kv...)
}

// turn drives one chunk through the state machine. It returns an error only
// when an event could not be emitted because ctx ended.
func (p *Pipeline) turn(ctx context.Context, chunk capture.Chunk) error {
	tc := &TurnContext{ID: uuid.NewString()}
	ctx = logging.WithFields(ctx, logging.TurnFields(tc.ID, p.cfg.SessionID)...)
	p.state(ctx, "chunk", logging.ChunkFields(len(chunk.Samples), int(chunk.Duration().Milliseconds()), chunk.RMS)...)

	wav := chunk.WAV()
	text, err := p.deps.Speech.Transcribe(ctx, wav, chunk.SampleRate)
	if err != nil {
		logging.WarnwCtx(ctx, "transcription failed", "err", err, "kind", module.KindOf(err).String())
		text = ""
	}
	tc.Transcript = Transcript{Text: strings.TrimSpace(text), ChunkAt: chunk.CapturedAt, At: time.Now(), RMS: chunk.RMS}
	p.state(ctx, "transcribed", "chars", len(tc.Transcript.Text))

	if reason := p.filter(ctx, tc, wav); reason != "" {
		p.state(ctx, "skipped", "reason", reason)
		return nil
	}
	p.state(ctx, "filtered")

	if corrected, ok := spokenCorrection(tc.Transcript.Text); ok && p.lastInteraction != "" {
		if err := p.deps.Repo.AddCorrection(ctx, p.lastInteraction, corrected); err != nil {
			logging.WarnwCtx(ctx, "spoken correction not stored", "err", err)
		} else {
			tc.CorrectionOccurred = true
			tc.Transcript.Text = corrected
		}
	}

	p.prepare(ctx, tc)
	p.state(ctx, "regeneration_done", "used", tc.RegenerationUsed, "intent", tc.Intent)

	tc.Route = p.decide(tc)
	if tc.Route == RouteBrowse && p.browse.Load() && !startsWithCommand(tc) {
		p.state(ctx, "skipped", "reason", "browse_continuation")
		return nil
	}
	p.state(ctx, "route", "route", string(tc.Route))

	var ev Event
	switch tc.Route {
	case RouteTraining:
		ev = p.handleTraining(ctx, tc)
	case RouteMode:
		ev = p.handleMode(ctx, tc)
	case RouteBrowse:
		p.handleBrowse(ctx, tc)
		ev = p.persist(ctx, tc)
	default:
		p.handleAnswer(ctx, tc)
		ev = p.persist(ctx, tc)
	}
	if tc.CorrectionOccurred || tc.FactAdded {
		p.invalidate(ctx, string(tc.Route))
	}
	p.state(ctx, "persisted")

	if ev.Kind == EventResponse {
		ev.Spoken = p.speak(ctx, tc.Response)
	}
	p.remember(tc)
	if err := p.emit(ctx, ev); err != nil {
		return err
	}
	p.state(ctx, "emitted", "kind", string(ev.Kind), "spoken", ev.Spoken)
	return nil
}

// filter returns a non-empty reason when the transcript must not start a
// turn. Empty and short transcripts are rejected before any further call.
func (p *Pipeline) filter(ctx context.Context, tc *TurnContext, wav []byte) string {
	text := tc.Transcript.Text
	if text == "" {
		return "empty"
	}
	if utf8.RuneCountInString(text) < p.cfg.MinTranscriptionLength {
		return "too_short"
	}
	if echoguard.ShouldSkipTranscript(text, p.lastSpoken, p.acceptedPhrases, echoguard.Config{FuzzyThreshold: p.cfg.FuzzyThreshold}) {
		return "echo"
	}
	ok, err := p.deps.Speech.Accept(ctx, text, wav)
	if err != nil {
		logging.DebugwCtx(ctx, "speaker filter unavailable, accepting", "err", err)
		ok = true
	}
	if !ok {
		return "speaker"
	}
	// a new utterance preempts playback
	if err := p.deps.Speech.StopSpeaking(ctx); err != nil {
		logging.DebugwCtx(ctx, "stop speaking failed", "err", err)
	}
	return ""
}

var correctionPrefixes = []string{"correction:", "correction ", "i meant "}

func spokenCorrection(text string) (string, bool) {
	u := strings.ToLower(text)
	for _, p := range correctionPrefixes {
		if strings.HasPrefix(u, p) && len(u) == len(text) {
			rest := strings.Trim(text[len(p):], " :,.")
			return rest, rest != ""
		}
	}
	return "", false
}

// prepare runs regeneration alongside the profile and recent-history reads.
// Every branch degrades on its own; none fails the group.
func (p *Pipeline) prepare(ctx context.Context, tc *TurnContext) {
	var (
		g       errgroup.Group
		regen   Regeneration
		regenOK bool
	)
	text := tc.Transcript.Text
	if p.cfg.RegenerationEnabled && p.deps.LLM != nil {
		g.Go(func() error {
			out, err := p.deps.LLM.Generate(ctx, module.GenerateRequest{
				System:  regenerationSystemPrompt,
				User:    text,
				Options: module.GenerateOptions{NumPredict: p.cfg.Regeneration.NumPredict, Temperature: p.cfg.Regeneration.Temperature},
				Format:  "json",
			})
			if err != nil {
				logging.WarnwCtx(ctx, "regeneration failed", "err", err)
				return nil
			}
			r, err := ParseRegeneration(out)
			if err != nil {
				logging.DebugwCtx(ctx, "regeneration unparseable", "err", err)
				return nil
			}
			regen, regenOK = r, true
			return nil
		})
	}
	if p.deps.Profile != nil {
		g.Go(func() error {
			snap, err := p.deps.Profile.Snapshot(ctx)
			if err != nil {
				logging.WarnwCtx(ctx, "profile snapshot failed", "err", err)
				return nil
			}
			tc.profile = snap
			return nil
		})
	}
	g.Go(func() error {
		recent, err := p.deps.Repo.ListRecent(ctx, p.cfg.RecentN)
		if err != nil {
			logging.WarnwCtx(ctx, "recent history unavailable", "err", err)
			return nil
		}
		tc.recent = recent
		return nil
	})
	_ = g.Wait()
	if regenOK {
		tc.Intent = regen.Sentence
		tc.Certainty = regen.Certainty
		tc.RegenerationUsed = true
	}
}

func (p *Pipeline) decide(tc *TurnContext) Route {
	if p.training.Load() {
		return RouteTraining
	}
	if _, ok := ModeToggle(tc.Transcript.Text); ok {
		return RouteMode
	}
	if p.browse.Load() {
		return RouteBrowse
	}
	if p.deps.Browser != nil && IsBrowseCommand(tc.Transcript.Text, tc.Intent) {
		return RouteBrowse
	}
	return RouteAnswer
}

// startsWithCommand gates browse mode: only an utterance that opens with a
// command verb drives the browser, so echo and continuation speech do not.
func startsWithCommand(tc *TurnContext) bool {
	return StartsWithBrowseCommand(tc.Transcript.Text) || StartsWithBrowseCommand(tc.Intent)
}

func (p *Pipeline) handleTraining(ctx context.Context, tc *TurnContext) Event {
	ev := Event{Kind: EventFactAdded, TurnID: tc.ID, Route: RouteTraining, Transcript: tc.Transcript.Text}
	fact, err := p.deps.Repo.AddTrainingFact(ctx, tc.Transcript.Text)
	if err != nil {
		logging.WarnwCtx(ctx, "training fact not stored", "err", err)
		return ev
	}
	tc.FactAdded = true
	ev.FactID = fact.ID
	return ev
}

func (p *Pipeline) handleMode(ctx context.Context, tc *TurnContext) Event {
	on, _ := ModeToggle(tc.Transcript.Text)
	p.SetBrowseMode(on)
	logging.InfowCtx(ctx, "browse mode switched", "enabled", on)
	return Event{Kind: EventMode, TurnID: tc.ID, Route: RouteMode, Transcript: tc.Transcript.Text, Mode: "browse", Enabled: on}
}

func (p *Pipeline) handleBrowse(ctx context.Context, tc *TurnContext) {
	source := tc.Transcript.Text
	if !StartsWithBrowseCommand(source) && StartsWithBrowseCommand(tc.Intent) {
		source = tc.Intent
	} else if !IsBrowseCommand(source) && IsBrowseCommand(tc.Intent) {
		source = tc.Intent
	}
	cmd := FirstSingleCommand(source)
	if p.deps.Browser == nil {
		tc.Response = BrowseFailurePrefix + " No browser is configured."
		return
	}
	res, err := p.deps.Browser.Execute(ctx, module.ExecuteRequest{Intent: ParseIntent(cmd), Utterance: cmd})
	if err != nil {
		logging.WarnwCtx(ctx, "browser action failed", "command", cmd, "err", err)
		tc.Response = BrowseFailurePrefix + " " + errorText(err)
		return
	}
	tc.Response = strings.TrimSpace(res.Result)
	if tc.Response == "" {
		tc.Response = "Done."
	}
	tc.OpenURL = res.OpenURL
}

func errorText(err error) string {
	var me *module.Error
	if errors.As(err, &me) {
		if me.Message != "" {
			return me.Message
		}
		if me.Err != nil {
			return me.Err.Error()
		}
		return me.Kind.String()
	}
	return err.Error()
}

func (p *Pipeline) handleAnswer(ctx context.Context, tc *TurnContext) {
	transcript, intent := tc.Transcript.Text, tc.Intent
	var candidate string
	switch {
	case intent != "" && echoguard.Normalize(intent) == echoguard.Normalize(transcript):
		candidate = intent
	case tc.RegenerationUsed && (tc.Certainty == nil || *tc.Certainty >= p.cfg.CertaintyThreshold):
		candidate = intent
	default:
		candidate = p.compose(ctx, tc)
	}
	decision := echoguard.ShouldReplaceResponse(candidate, p.recentReplyNorms(tc), intent, transcript)
	final := strings.TrimSpace(echoguard.Resolve(decision, candidate, intent, transcript))
	if final == "" {
		final = echoguard.FirstNonEmpty(intent, transcript)
	}
	if decision != echoguard.Keep {
		p.state(ctx, "response_replaced", "decision", decision.String())
	}
	tc.Response = final
}

func (p *Pipeline) compose(ctx context.Context, tc *TurnContext) string {
	if p.deps.LLM == nil {
		return ""
	}
	query := echoguard.FirstNonEmpty(tc.Intent, tc.Transcript.Text)
	var retrieved string
	if p.docQA.Load() && p.deps.RAG != nil {
		has, err := p.deps.RAG.HasDocuments(ctx)
		if err != nil {
			logging.DebugwCtx(ctx, "rag unavailable", "err", err)
		}
		if has {
			retrieved, err = p.deps.RAG.Retrieve(ctx, query, p.cfg.TopK)
			if err != nil {
				logging.WarnwCtx(ctx, "retrieval failed", "err", err)
				retrieved = ""
			}
		}
	}
	out, err := p.deps.LLM.Generate(ctx, module.GenerateRequest{
		System:  composeSystemPrompt(p.cfg.SystemPrompt, tc.profile, recentTurns(tc.recent), retrieved),
		User:    query,
		Options: module.GenerateOptions{NumPredict: p.cfg.Answer.NumPredict, Temperature: p.cfg.Answer.Temperature},
	})
	if err != nil {
		logging.WarnwCtx(ctx, "answer generation failed", "err", err, "kind", module.KindOf(err).String())
		return ""
	}
	return strings.TrimSpace(out)
}

func recentTurns(rs []history.Interaction) []recentTurn {
	out := make([]recentTurn, 0, len(rs))
	for _, r := range rs {
		out = append(out, recentTurn{User: r.Transcript, Assistant: r.Response})
	}
	return out
}

func (p *Pipeline) recentReplyNorms(tc *TurnContext) []string {
	norms := make([]string, 0, len(tc.recent)+len(p.replyNorms))
	for _, r := range tc.recent {
		if n := echoguard.Normalize(r.Response); n != "" {
			norms = append(norms, n)
		}
	}
	return append(norms, p.replyNorms...)
}

func (p *Pipeline) persist(ctx context.Context, tc *TurnContext) Event {
	rec, err := p.deps.Repo.AppendInteraction(ctx, p.cfg.SessionID, tc.Transcript.Text, tc.Response)
	if err != nil {
		logging.WarnwCtx(ctx, "interaction not persisted", "err", err)
	} else {
		tc.InteractionID = rec.ID
		p.lastInteraction = rec.ID
	}
	return Event{
		Kind:          EventResponse,
		TurnID:        tc.ID,
		InteractionID: tc.InteractionID,
		Route:         tc.Route,
		Transcript:    tc.Transcript.Text,
		Intent:        tc.Intent,
		Certainty:     tc.Certainty,
		Response:      tc.Response,
		OpenURL:       tc.OpenURL,
	}
}

// speak sends text to TTS unless it repeats the last spoken response.
// lastSpoken follows the decision even when playback fails.
func (p *Pipeline) speak(ctx context.Context, text string) bool {
	if text == "" || echoguard.Normalize(text) == echoguard.Normalize(p.lastSpoken) {
		return false
	}
	p.lastSpoken = text
	if err := p.deps.Speech.Speak(ctx, text); err != nil {
		logging.WarnwCtx(ctx, "speak failed", "err", err)
	}
	return true
}

func (p *Pipeline) remember(tc *TurnContext) {
	p.acceptedPhrases = appendBounded(p.acceptedPhrases, tc.Transcript.Text, p.cfg.RecentN)
	if tc.Response != "" {
		p.replyNorms = appendBounded(p.replyNorms, echoguard.Normalize(tc.Response), p.cfg.RecentN)
	}
}

func appendBounded(s []string, v string, n int) []string {
	s = append(s, v)
	if len(s) > n {
		s = append(s[:0:0], s[len(s)-n:]...)
	}
	return s
}
