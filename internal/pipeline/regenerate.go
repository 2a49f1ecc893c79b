package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const regenerationSystemPrompt = `You clean up noisy speech-to-text output.
Reply with a single JSON object and nothing else:
{"sentence": "<what the speaker most likely meant, as one sentence>", "certainty": <number from 0 to 1>}`

// DefaultSystemPrompt is the base of the answer prompt.
const DefaultSystemPrompt = "You are a concise voice assistant. Answer in one or two short spoken sentences without markdown."

var errNoSentence = errors.New("regeneration: no sentence")

// Regeneration is the parsed result of the clean-up pass.
type Regeneration struct {
	Sentence  string
	Certainty *float64
}

type regenerationWire struct {
	Sentence  string `json:"sentence"`
	Certainty any    `json:"certainty"`
}

// ParseRegeneration extracts the JSON object from a model reply, repairing
// it when it does not parse. Certainty is optional; values above 1 are
// read as percentages.
func ParseRegeneration(text string) (Regeneration, error) {
	body := strings.TrimSpace(text)
	if i := strings.IndexByte(body, '{'); i >= 0 {
		body = body[i:]
		if j := strings.LastIndexByte(body, '}'); j >= 0 {
			body = body[:j+1]
		}
	}
	var w regenerationWire
	if err := unmarshalJSON([]byte(body), &w); err != nil {
		return Regeneration{}, fmt.Errorf("regeneration: %w", err)
	}
	out := Regeneration{Sentence: strings.TrimSpace(w.Sentence)}
	if out.Sentence == "" {
		return Regeneration{}, errNoSentence
	}
	out.Certainty = certainty(w.Certainty)
	return out, nil
}

func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return rerr
	}
	return json.Unmarshal([]byte(fixed), v)
}

func certainty(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		p, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%"), 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	f = min(1, max(0, f))
	return &f
}

// composeSystemPrompt joins the base prompt with the profile, the recent
// exchange and any retrieved document context.
func composeSystemPrompt(base, profile string, recent []recentTurn, retrieved string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if p := strings.TrimSpace(profile); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	if len(recent) > 0 {
		b.WriteString("\n\nRecent conversation:")
		for _, r := range recent {
			b.WriteString("\nUser: ")
			b.WriteString(r.User)
			if r.Assistant != "" {
				b.WriteString("\nAssistant: ")
				b.WriteString(r.Assistant)
			}
		}
	}
	if c := strings.TrimSpace(retrieved); c != "" {
		b.WriteString("\n\nUse this document context when it is relevant:\n")
		b.WriteString(c)
	}
	return b.String()
}
