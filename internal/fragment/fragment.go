// Package fragment validates and tokenizes the pre-input and post-input
// clauses a user contributes to a media command line.
//
// Fragments are split with POSIX shell quoting rules but nothing is ever
// expanded or interpreted: the resulting tokens go straight into an argument
// vector. Text that would only make sense to a shell (chaining, pipes,
// redirection, substitution) is refused outright rather than escaped.
package fragment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anmitsu/go-shlex"
)

const (
	MaxBytes  = 4096
	MaxTokens = 256
)

var (
	// ErrForbidden is returned when the text contains a shell metacharacter.
	ErrForbidden = errors.New("fragment: forbidden character")
	// ErrMalformed is returned for unbalanced quotes, dangling escapes and
	// oversized fragments.
	ErrMalformed = errors.New("fragment: malformed")
)

// forbidden lists every sequence refused anywhere in a fragment, quoted or not.
var forbidden = []string{";", "|", "&", "`", "$(", ")", ">", "<", "\x00"}

// Fragment is a validated, tokenized piece of the argument vector.
type Fragment struct {
	Text   string   // original text as the user sent it
	Tokens []string // argv words, in order
}

// IsEmpty reports whether the fragment contributes no arguments.
func (f Fragment) IsEmpty() bool { return len(f.Tokens) == 0 }

// String renders the tokens for display, quoting any that need it.
func (f Fragment) String() string { return Join(f.Tokens) }

// Parse validates text and splits it into tokens. Empty or blank text yields
// an empty fragment and no error.
func Parse(text string) (Fragment, error) {
	if len(text) > MaxBytes {
		return Fragment{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrMalformed, len(text), MaxBytes)
	}
	if seq, ok := findForbidden(text); ok {
		return Fragment{}, fmt.Errorf("%w: %q is not allowed", ErrForbidden, seq)
	}
	if strings.TrimSpace(text) == "" {
		return Fragment{Text: text}, nil
	}

	tokens, err := shlex.Split(text, true)
	if err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(tokens) > MaxTokens {
		return Fragment{}, fmt.Errorf("%w: %d tokens exceeds the %d token limit", ErrMalformed, len(tokens), MaxTokens)
	}
	return Fragment{Text: text, Tokens: tokens}, nil
}

func findForbidden(text string) (string, bool) {
	for _, seq := range forbidden {
		if strings.Contains(text, seq) {
			return seq, true
		}
	}
	return "", false
}

// Join renders argv words as a single line, single-quoting any word that
// contains whitespace, quotes or is empty. Used for previews and reports only;
// nothing executes the result.
func Join(words []string) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = quote(w)
	}
	return strings.Join(parts, " ")
}

func quote(w string) string {
	if w == "" {
		return "''"
	}
	if !strings.ContainsAny(w, " \t\n'\"\\") {
		return w
	}
	return "'" + strings.ReplaceAll(w, "'", `'\''`) + "'"
}
