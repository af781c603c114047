package voice

import (
	"strings"
	"unicode"
)

type Intent int

const (
	IntentUnknown Intent = iota
	IntentTaken
	IntentSnooze
)

func (i Intent) String() string {
	switch i {
	case IntentTaken:
		return "taken"
	case IntentSnooze:
		return "snooze"
	}
	return "unknown"
}

// Phrases are the configured phrase sets matched against final transcripts.
type Phrases struct {
	Taken  []string
	Snooze []string
}

func DefaultPhrases() Phrases {
	return Phrases{
		Taken: []string{
			"taken", "i took it", "took it", "i have taken", "already took", "done", "yes", "yeah", "i did",
		},
		Snooze: []string{
			"snooze", "later", "remind me later", "not now", "not yet", "not taken", "havent", "wait", "in a few minutes", "give me a minute",
			"no", "nope", "not done", "not really", "didnt", "did not", "have not",
		},
	}
}

// negations turn a following taken phrase into a deferral.
var negations = []string{"not", "no", "never", "dont", "didnt", "havent"}

// Classify matches a transcript against the phrase sets. Snooze phrases are
// checked first so "not taken yet" is a deferral, not a confirmation. A
// taken phrase right after a negation also counts as a snooze.
func Classify(transcript string, p Phrases) Intent {
	text := normalize(transcript)
	if text == "" {
		return IntentUnknown
	}
	if matchAny(text, p.Snooze) || negated(text, p.Taken) {
		return IntentSnooze
	}
	if matchAny(text, p.Taken) {
		return IntentTaken
	}
	return IntentUnknown
}

func negated(text string, phrases []string) bool {
	padded := " " + text + " "
	for _, phrase := range phrases {
		phrase = normalize(phrase)
		if phrase == "" {
			continue
		}
		for _, n := range negations {
			if strings.Contains(padded, " "+n+" "+phrase+" ") {
				return true
			}
		}
	}
	return false
}

func matchAny(text string, phrases []string) bool {
	padded := " " + text + " "
	for _, phrase := range phrases {
		phrase = normalize(phrase)
		if phrase == "" {
			continue
		}
		if strings.Contains(padded, " "+phrase+" ") {
			return true
		}
	}
	return false
}

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'':
			return -1
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
