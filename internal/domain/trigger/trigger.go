// Package trigger detects command and mention triggers in free-text input
// and carries the keyboard-navigable selection over their suggestions.
package trigger

// Kind is the trigger family: slash commands or @-mentions.
type Kind string

const (
	KindCommand Kind = "command" // "/"
	KindMention Kind = "mention" // "@"
)

// Rune returns the trigger character for the kind.
func (k Kind) Rune() rune {
	if k == KindMention {
		return '@'
	}
	return '/'
}

// Match is an active trigger found at the cursor. Start is the rune offset of
// the trigger character, End the rune offset of the cursor; Query is the
// partial token between them, without the trigger character.
type Match struct {
	Kind  Kind
	Query string
	Start int
	End   int
}

// Token returns the trigger character plus the partial token, the form the
// autocomplete endpoints expect as their query parameter.
func (m Match) Token() string {
	return string(m.Kind.Rune()) + m.Query
}

// Detect scans backward from the cursor for a trigger character immediately
// preceded by a word boundary (text start or whitespace), capturing the
// partial token between the trigger and the cursor. Offsets are rune
// offsets; cursor is clamped into range. Whitespace between the trigger and
// the cursor means the token already ended: no match.
func Detect(text string, cursor int) (Match, bool) {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	for i := cursor - 1; i >= 0; i-- {
		r := runes[i]
		if isSpace(r) {
			return Match{}, false
		}
		if r != '/' && r != '@' {
			continue
		}
		if i > 0 && !isSpace(runes[i-1]) {
			// Mid-word, e.g. a path segment or an email address.
			return Match{}, false
		}
		kind := KindCommand
		if r == '@' {
			kind = KindMention
		}
		return Match{
			Kind:  kind,
			Query: string(runes[i+1 : cursor]),
			Start: i,
			End:   cursor,
		}, true
	}
	return Match{}, false
}

// Splice commits a suggestion: it replaces the trigger plus partial token
// with the suggestion text followed by one space, returning the new text and
// the new cursor rune offset (immediately after the inserted space).
func Splice(text string, m Match, suggestion string) (string, int) {
	runes := []rune(text)
	if m.Start < 0 || m.End > len(runes) || m.Start > m.End {
		return text, len(runes)
	}

	inserted := []rune(suggestion + " ")
	out := make([]rune, 0, len(runes)-(m.End-m.Start)+len(inserted))
	out = append(out, runes[:m.Start]...)
	out = append(out, inserted...)
	out = append(out, runes[m.End:]...)
	return string(out), m.Start + len(inserted)
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
