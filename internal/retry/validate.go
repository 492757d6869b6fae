package retry

import (
	"strconv"
	"strings"
)

// DefaultMinLength is the shortest generated text accepted by DefaultTextValidator.
const DefaultMinLength = 12

// DefaultSentinels are the "no result" replies a text-producing node emits
// when it has nothing useful to say.
var DefaultSentinels = []string{"sin sugerencias", "(sin sugerencias)"}

// TextValidator accepts text that is non-empty after trimming, at least
// minLen runes long and not equal (case-insensitively) to a sentinel.
func TextValidator(minLen int, sentinels ...string) func(string) bool {
	normalized := make([]string, 0, len(sentinels))
	for _, s := range sentinels {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(s)))
	}
	return func(text string) bool {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || len([]rune(trimmed)) < minLen {
			return false
		}
		lower := strings.ToLower(trimmed)
		for _, s := range normalized {
			if lower == s {
				return false
			}
		}
		return true
	}
}

// DefaultTextValidator uses DefaultMinLength and DefaultSentinels.
func DefaultTextValidator() func(string) bool {
	return TextValidator(DefaultMinLength, DefaultSentinels...)
}

// PhraseClassifier is a fallback classifier for free-text replies that carry
// no explicit outcome. A reply containing any of phrases is Retryable.
//
// Substring matching misfires on legitimate answers that quote a phrase;
// prefer an explicit Verdict from the producing node and use this only when
// none is available.
func PhraseClassifier(phrases []string) func(reply string) Verdict {
	return func(reply string) Verdict {
		for _, p := range phrases {
			if p != "" && strings.Contains(reply, p) {
				return Retryable("reply matched failure phrase " + strconv.Quote(p))
			}
		}
		return Success()
	}
}
