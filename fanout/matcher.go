package fanout

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// WordMatcher finds tracked alert words in post text with one automaton pass,
// regardless of how many words are registered. Swapped wholesale on word-set
// change rather than mutated in place; the automaton is immutable once built.
type WordMatcher struct {
	mu          sync.RWMutex
	machine     *goahocorasick.Machine
	subscribers map[string][]string
}

func NewWordMatcher() *WordMatcher {
	return &WordMatcher{
		subscribers: make(map[string][]string),
	}
}

// Load replaces the tracked word set. Keys must be lowercase words; values are
// the user IDs subscribed to each word.
func (m *WordMatcher) Load(words map[string][]string) error {
	patterns := make([][]rune, 0, len(words))
	subs := make(map[string][]string, len(words))
	for word, users := range words {
		patterns = append(patterns, []rune(word))
		subs[word] = users
	}
	// the automaton builder requires sorted input
	sort.Slice(patterns, func(i, j int) bool {
		return string(patterns[i]) < string(patterns[j])
	})
	var machine *goahocorasick.Machine
	if len(patterns) > 0 {
		machine = new(goahocorasick.Machine)
		if err := machine.Build(patterns); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.machine = machine
	m.subscribers = subs
	m.mu.Unlock()
	return nil
}

// Match returns matched word -> subscribed users for one post body. Matches are
// case-insensitive and whole-word only: "art" must not fire inside "party".
func (m *WordMatcher) Match(text string) map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.machine == nil {
		return nil
	}
	content := []rune(strings.ToLower(text))
	terms := m.machine.MultiPatternSearch(content, false)
	var out map[string][]string
	for _, term := range terms {
		if !wholeWord(content, term.Pos, len(term.Word)) {
			continue
		}
		word := string(term.Word)
		if _, seen := out[word]; seen {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[word] = m.subscribers[word]
	}
	return out
}

// MatchesWord reports whether text contains word under the same rules Match
// applies. The counter rebuild path re-checks SQL substring candidates with
// this so rebuilt counts agree with incremental maintenance.
func MatchesWord(text, word string) bool {
	content := []rune(strings.ToLower(text))
	w := []rune(strings.ToLower(word))
	if len(w) == 0 {
		return false
	}
	for i := 0; i+len(w) <= len(content); i++ {
		if string(content[i:i+len(w)]) == string(w) && wholeWord(content, i, len(w)) {
			return true
		}
	}
	return false
}

func wholeWord(content []rune, pos, n int) bool {
	if pos > 0 && isWordRune(content[pos-1]) {
		return false
	}
	if end := pos + n; end < len(content) && isWordRune(content[end]) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
