package handover

import (
	"strings"
	"unicode"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/planner"
)

// LexiconEmotion estimates negativity from the negative phrase list, repeated
// exclamation marks and shouting.
type LexiconEmotion struct {
	phrases []string
}

func NewLexiconEmotion(rules *config.Rules) *LexiconEmotion {
	return &LexiconEmotion{phrases: rules.NegativePhrases}
}

func (l *LexiconEmotion) Negativity(text string) float64 {
	score := 0.35 * float64(planner.CountMatches(text, l.phrases))
	if strings.Contains(text, "!!") {
		score += 0.15
	}
	if shouting(text) {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

// shouting reports whether a message with enough Latin letters is all caps.
func shouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 6 && upper == letters
}
