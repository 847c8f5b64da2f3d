package wordmute

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

var log = slog.Default().With("system", "wordmute")

// Pattern is a single muted-word rule. Exactly one of Keywords or Expr
// is set: Keywords is an AND-group of literal substrings that must all
// appear, Expr is a regular expression in "/body/flags" form.
type Pattern struct {
	Keywords []string `json:"keywords,omitempty"`
	Expr     string   `json:"expr,omitempty"`
}

// NoteLike is the slice of a note the evaluator needs.
type NoteLike struct {
	UserID string
	Text   *string
	CW     *string
}

var exprForm = regexp.MustCompile(`^/(.+)/(.*)$`)

// compiled regexes are memoized by pattern source; profiles reuse the
// same handful of patterns across every note on the firehose
var (
	regexCacheLk sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

// Match reports whether any of the viewer's muted-word patterns match
// the note. Self-authored notes never match. A pattern that fails to
// compile is treated as non-matching; it must never break delivery.
func Match(note NoteLike, viewerID string, patterns []Pattern) bool {
	if viewerID != "" && note.UserID == viewerID {
		return false
	}
	if len(patterns) == 0 {
		return false
	}

	text := strings.TrimSpace(deref(note.CW) + "\n" + deref(note.Text))
	if text == "" {
		return false
	}

	text = replaceEmojiShortcodes(text)

	for _, p := range patterns {
		if matchOne(text, p) {
			return true
		}
	}
	return false
}

func matchOne(text string, p Pattern) bool {
	if len(p.Keywords) > 0 {
		for _, kw := range p.Keywords {
			if !strings.Contains(text, kw) {
				return false
			}
		}
		return true
	}

	if p.Expr == "" {
		return false
	}

	re := compileExpr(p.Expr)
	if re == nil {
		return false
	}
	return re.MatchString(text)
}

func compileExpr(expr string) *regexp.Regexp {
	regexCacheLk.Lock()
	defer regexCacheLk.Unlock()

	if re, ok := regexCache[expr]; ok {
		return re
	}

	var compiled *regexp.Regexp
	if m := exprForm.FindStringSubmatch(expr); m != nil {
		body, flags := m[1], m[2]
		if mapped, ok := mapFlags(flags); ok {
			re, err := regexp.Compile(mapped + body)
			if err != nil {
				log.Debug("ignoring malformed mute pattern", "expr", expr, "err", err)
			} else {
				compiled = re
			}
		}
	}

	// malformed patterns are cached as nil so we only log them once
	regexCache[expr] = compiled
	return compiled
}

// mapFlags converts JS-style regex flags to a Go inline flag group.
// The global flag is meaningless for a boolean match and is dropped.
func mapFlags(flags string) (string, bool) {
	var out strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			out.WriteRune(f)
		case 'g', 'u':
			// no-op
		default:
			return "", false
		}
	}
	if out.Len() == 0 {
		return "", true
	}
	return "(?" + out.String() + ")", true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
