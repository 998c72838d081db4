package fanout

import (
	"reflect"
	"testing"
)

func TestWordMatcher(t *testing.T) {
	m := NewWordMatcher()
	err := m.Load(map[string][]string{
		"pizza":   {"alice", "bob"},
		"karaoke": {"carol"},
		"art":     {"dave"},
	})
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	testCases := []struct {
		text string
		want map[string][]string
	}{
		{"free PIZZA on lido deck", map[string][]string{"pizza": {"alice", "bob"}}},
		{"pizza and karaoke tonight", map[string][]string{
			"pizza":   {"alice", "bob"},
			"karaoke": {"carol"},
		}},
		// substring inside a larger word must not fire
		{"the party starts at nine", nil},
		{"art exhibition, deck 2", map[string][]string{"art": {"dave"}}},
		{"pizza pizza pizza", map[string][]string{"pizza": {"alice", "bob"}}},
		{"nothing of note", nil},
		{"", nil},
	}
	for _, tc := range testCases {
		got := m.Match(tc.text)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Match(%q): got %v want %v", tc.text, got, tc.want)
		}
	}
}

func TestWordMatcherEmpty(t *testing.T) {
	m := NewWordMatcher()
	if got := m.Match("anything at all"); got != nil {
		t.Fatalf("empty matcher matched: %v", got)
	}
	if err := m.Load(nil); err != nil {
		t.Fatalf("Load(nil): %s", err)
	}
	if got := m.Match("anything at all"); got != nil {
		t.Fatalf("empty matcher matched: %v", got)
	}
}

func TestWordMatcherReload(t *testing.T) {
	m := NewWordMatcher()
	if err := m.Load(map[string][]string{"bingo": {"alice"}}); err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got := m.Match("bingo at 3"); len(got) != 1 {
		t.Fatalf("expected a match: %v", got)
	}
	if err := m.Load(map[string][]string{"trivia": {"bob"}}); err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got := m.Match("bingo at 3"); got != nil {
		t.Fatalf("stale word survived reload: %v", got)
	}
	if got := m.Match("trivia at 4"); len(got) != 1 {
		t.Fatalf("expected a match after reload: %v", got)
	}
}

func TestMatchesWord(t *testing.T) {
	testCases := []struct {
		text, word string
		want       bool
	}{
		{"free pizza tonight", "pizza", true},
		{"free PIZZA tonight", "pizza", true},
		{"the party starts", "art", false},
		{"art!", "art", true},
		{"", "pizza", false},
		{"pizza", "", false},
	}
	for _, tc := range testCases {
		if got := MatchesWord(tc.text, tc.word); got != tc.want {
			t.Errorf("MatchesWord(%q, %q): got %v want %v", tc.text, tc.word, got, tc.want)
		}
	}
}
