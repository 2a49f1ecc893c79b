// Package echoguard decides when a transcript is the assistant hearing
// itself or the user repeating, and when a candidate reply only repeats an
// earlier one. Everything here is a pure function of its arguments.
package echoguard

import (
	"strings"
	"unicode"
)

// FallbackMessage is used when no better response text exists.
const FallbackMessage = "Sorry, I didn't catch that. Could you say it again?"

// DefaultFuzzyThreshold is the shared-token ratio at or above which a
// transcript counts as partial pickup of the last spoken response.
const DefaultFuzzyThreshold = 0.8

// Config tunes transcript suppression.
type Config struct {
	// FuzzyThreshold in (0,1]. Zero means DefaultFuzzyThreshold; a negative
	// value disables the fuzzy check.
	FuzzyThreshold float64
}

func (c Config) threshold() float64 {
	if c.FuzzyThreshold == 0 {
		return DefaultFuzzyThreshold
	}
	return c.FuzzyThreshold
}

// Normalize case-folds s, drops punctuation and symbols and collapses runs of
// whitespace to one space.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		case r == '\'' || r == '’':
			// contractions stay one token: "don't" -> "dont"
		default:
			space = true
		}
	}
	return b.String()
}

// OverlapRatio is the fraction of distinct tokens of a that also appear in
// b. Both inputs are normalized first.
func OverlapRatio(a, b string) float64 {
	ta := tokenSet(Normalize(a))
	if len(ta) == 0 {
		return 0
	}
	tb := tokenSet(Normalize(b))
	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta))
}

func tokenSet(norm string) map[string]struct{} {
	fields := strings.Fields(norm)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// ShouldSkipTranscript reports whether transcript must not start a turn:
// it repeats the immediately preceding accepted transcript (the last entry
// of recentUserPhrases), or it is the last spoken response picked up by the
// microphone in full or in large part.
func ShouldSkipTranscript(transcript, lastSpokenResponse string, recentUserPhrases []string, cfg Config) bool {
	norm := Normalize(transcript)
	if norm == "" {
		return false
	}
	if n := len(recentUserPhrases); n > 0 && Normalize(recentUserPhrases[n-1]) == norm {
		return true
	}
	spoken := Normalize(lastSpokenResponse)
	if spoken == "" {
		return false
	}
	if spoken == norm {
		return true
	}
	th := cfg.threshold()
	if th < 0 {
		return false
	}
	return OverlapRatio(norm, spoken) >= th
}

// Decision is the outcome of ShouldReplaceResponse.
type Decision int

const (
	Keep Decision = iota
	ReplaceWithIntent
	ReplaceWithTranscript
	Fallback
)

func (d Decision) String() string {
	switch d {
	case ReplaceWithIntent:
		return "replace_with_intent"
	case ReplaceWithTranscript:
		return "replace_with_transcript"
	case Fallback:
		return "fallback"
	default:
		return "keep"
	}
}

// ShouldReplaceResponse keeps candidate unless its normalized form matches
// a recent reply, in which case the intent sentence, then the raw
// transcript, then the fallback message take its place.
func ShouldReplaceResponse(candidate string, recentReplyNorms []string, intent, transcript string) Decision {
	norm := Normalize(candidate)
	repeat := false
	for _, r := range recentReplyNorms {
		if Normalize(r) == norm {
			repeat = true
			break
		}
	}
	if !repeat {
		return Keep
	}
	if strings.TrimSpace(intent) != "" {
		return ReplaceWithIntent
	}
	if strings.TrimSpace(transcript) != "" {
		return ReplaceWithTranscript
	}
	return Fallback
}

// Resolve returns the text selected by d.
func Resolve(d Decision, candidate, intent, transcript string) string {
	switch d {
	case ReplaceWithIntent:
		return strings.TrimSpace(intent)
	case ReplaceWithTranscript:
		return strings.TrimSpace(transcript)
	case Fallback:
		return FallbackMessage
	default:
		return candidate
	}
}

// FirstNonEmpty returns the first argument with non-space content, or
// FallbackMessage.
func FirstNonEmpty(texts ...string) string {
	for _, t := range texts {
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	}
	return FallbackMessage
}
