package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/talkie-voice-lab/internal/module"
)

// Route is the branch a turn takes after filtering and regeneration.
type Route string

const (
	RouteTraining Route = "training"
	RouteBrowse   Route = "browse"
	RouteMode     Route = "mode"
	RouteAnswer   Route = "answer"
)

// Browser actions sent in module.BrowserIntent.Action.
const (
	ActionSearch   = "search"
	ActionStore    = "store_page"
	ActionGoBack   = "go_back"
	ActionClick    = "click"
	ActionScroll   = "scroll"
	ActionCloseTab = "close_tab"
)

// MaxCommandLength caps the command handed to the browser.
const MaxCommandLength = 80

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func looksLikeSearch(u string) bool {
	if u == "" {
		return false
	}
	// "search" glued to the topic is a common STT artefact
	if strings.HasPrefix(u, "search") || strings.HasPrefix(u, "searched for ") {
		return true
	}
	return strings.HasPrefix(u, "searching ") ||
		containsAny(u, " searched for ", "searching for ", "search for ", " searching ", " search ")
}

func looksLikeStore(u string) bool {
	return u != "" && (containsAny(u, "save page", "store this page", "store the page") ||
		hasAnyPrefix(u, "save the page", "store page", "store this"))
}

func looksLikeGoBack(u string) bool {
	return u != "" && (u == "back" || strings.HasPrefix(u, "back ") || strings.HasSuffix(u, " back") ||
		containsAny(u, "go back", "previous page"))
}

// Click, open and select must lead the utterance; mid-sentence matches are
// usually the assistant's own speech.
func looksLikeClick(u string) bool {
	return hasAnyPrefix(u, "open ", "click", "select ", "the link for ", "link for ")
}

func looksLikeScroll(u string) bool {
	return u == "scroll" || strings.HasPrefix(u, "scroll ") ||
		containsAny(u, " scroll up", " scroll down", " scroll left", " scroll right")
}

func looksLikeCloseTab(u string) bool {
	return u == "close" || strings.HasPrefix(u, "close ")
}

// ModeToggle reports whether u switches browse mode and to which state.
func ModeToggle(utterance string) (on bool, ok bool) {
	u := strings.TrimRight(lower(utterance), ".!")
	switch {
	case strings.Contains(u, "stop browsing"), strings.HasPrefix(u, "browse off"):
		return false, true
	case strings.Contains(u, "start browsing"), strings.HasPrefix(u, "browse on"), u == "browse":
		return true, true
	}
	return false, false
}

func isBrowseSingle(u string) bool {
	if _, ok := ModeToggle(u); ok {
		return true
	}
	return looksLikeSearch(u) || looksLikeStore(u) || looksLikeGoBack(u) ||
		looksLikeClick(u) || looksLikeScroll(u) || looksLikeCloseTab(u)
}

// IsBrowseCommand reports whether any candidate, typically the transcript
// and the regenerated intent, reads as a browser command.
func IsBrowseCommand(candidates ...string) bool {
	for _, c := range candidates {
		if isBrowseSingle(lower(c)) {
			return true
		}
	}
	return false
}

var browsePrefixes = []string{
	"searching for ", "searched for ", "search for ", "searching ", "search",
	"save the page", "save page", "store ",
	"go back", "previous page",
	"open ", "the link for ", "link for ", "click", "select ",
	"scroll",
	"start browsing", "stop browsing", "browse on", "browse off",
	"close", "back",
}

// StartsWithBrowseCommand is the stricter test: the command verb opens the
// utterance.
func StartsWithBrowseCommand(utterance string) bool {
	u := lower(utterance)
	if u == "" {
		return false
	}
	if u == "browse" || strings.HasPrefix(u, "browse ") {
		return true
	}
	return hasAnyPrefix(u, browsePrefixes...)
}

// FirstSingleCommand keeps one order per turn: the text before the first
// ". " or " and ", capped at MaxCommandLength bytes on a rune boundary.
func FirstSingleCommand(utterance string) string {
	u := strings.TrimSpace(utterance)
	for _, sep := range []string{". ", " and "} {
		if first, _, found := strings.Cut(u, sep); found {
			if first = strings.TrimSpace(first); first != "" {
				u = first
				break
			}
		}
	}
	if len(u) > MaxCommandLength {
		n := MaxCommandLength
		for n > 0 && !utf8.RuneStart(u[n]) {
			n--
		}
		u = u[:n]
	}
	return u
}

// ParseIntent turns a single command into a structured browser intent, or
// nil when no action is recognized.
func ParseIntent(command string) *module.BrowserIntent {
	raw := strings.TrimRight(strings.TrimSpace(command), ".!?")
	u := strings.ToLower(raw)
	if len(u) != len(raw) {
		raw = u
	}
	rest := func(prefixes ...string) string {
		for _, p := range prefixes {
			if i := strings.Index(u, p); i >= 0 {
				return strings.TrimSpace(raw[i+len(p):])
			}
		}
		return ""
	}
	switch {
	case looksLikeStore(u):
		return &module.BrowserIntent{Action: ActionStore}
	case looksLikeSearch(u):
		q := rest("searching for ", "searched for ", "search for ", "searching ", "search ")
		if q == "" && strings.HasPrefix(u, "search") {
			q = strings.TrimSpace(raw[len("search"):])
		}
		return &module.BrowserIntent{Action: ActionSearch, Query: q}
	case looksLikeGoBack(u):
		return &module.BrowserIntent{Action: ActionGoBack}
	case looksLikeScroll(u):
		dir := "down"
		for _, d := range []string{"up", "down", "left", "right"} {
			if strings.Contains(u, "scroll "+d) {
				dir = d
				break
			}
		}
		return &module.BrowserIntent{Action: ActionScroll, Direction: dir}
	case looksLikeClick(u):
		return &module.BrowserIntent{Action: ActionClick, Target: rest("open the ", "open ", "the link for ", "link for ", "click on ", "click ", "select ")}
	case looksLikeCloseTab(u):
		return &module.BrowserIntent{Action: ActionCloseTab}
	}
	return nil
}
