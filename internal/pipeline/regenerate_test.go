package pipeline

import (
	"strings"
	"testing"
)

func TestParseRegeneration(t *testing.T) {
	cases := []struct {
		in        string
		sentence  string
		certainty float64 // negative means absent
	}{
		{`{"sentence": " Turn on the lights. ", "certainty": 0.8}`, "Turn on the lights.", 0.8},
		{`Sure! {"sentence": "What time is it?"}`, "What time is it?", -1},
		{`{"sentence": "Call mom", "certainty": 75}`, "Call mom", 0.75},
		{`{"sentence": "Call mom", "certainty": "0.5"}`, "Call mom", 0.5},
		{`{'sentence': 'Play jazz', 'certainty': 0.9,}`, "Play jazz", 0.9},
		{`{"sentence": "Stop", "certainty": -3}`, "Stop", 0},
	}
	for _, c := range cases {
		got, err := ParseRegeneration(c.in)
		if err != nil {
			t.Fatalf("ParseRegeneration(%q): %v", c.in, err)
		}
		if got.Sentence != c.sentence {
			t.Errorf("sentence = %q want %q", got.Sentence, c.sentence)
		}
		switch {
		case c.certainty < 0 && got.Certainty != nil:
			t.Errorf("%q: expected no certainty, got %v", c.in, *got.Certainty)
		case c.certainty >= 0 && (got.Certainty == nil || *got.Certainty != c.certainty):
			t.Errorf("%q: certainty = %v want %v", c.in, got.Certainty, c.certainty)
		}
	}
}

func TestParseRegenerationRejectsEmpty(t *testing.T) {
	for _, in := range []string{``, `{"sentence": "  "}`, `{"certainty": 1}`} {
		if _, err := ParseRegeneration(in); err == nil {
			t.Errorf("ParseRegeneration(%q) should fail", in)
		}
	}
}

func TestComposeSystemPrompt(t *testing.T) {
	got := composeSystemPrompt("", "What we know about the user:\n- likes tea", []recentTurn{{User: "hi", Assistant: "hello"}}, "doc text")
	for _, want := range []string{DefaultSystemPrompt, "likes tea", "User: hi\nAssistant: hello", "doc text"} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
	if got := composeSystemPrompt("Be brief.", "", nil, ""); got != "Be brief." {
		t.Fatalf("got %q", got)
	}
}
