package retry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTextValidator(t *testing.T) {
	valid := DefaultTextValidator()

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"whitespace", "   \n", false},
		{"too short", "ok gracias", false},
		{"sentinel", "sin sugerencias", false},
		{"parenthesised sentinel", " (Sin sugerencias) ", false},
		{"long enough", "Claro, te cuento lo que pasó hoy", true},
		{"exactly min length", "abcdefghijkl", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valid(tt.in))
		})
	}
}

func TestTextValidatorCountsRunes(t *testing.T) {
	valid := TextValidator(3)
	assert.True(t, valid("ñañ"))
	assert.False(t, valid("ñá"))
}

func TestPhraseClassifierIsOptIn(t *testing.T) {
	classify := PhraseClassifier([]string{"Agent stopped due to iteration limit"})

	assert.Equal(t, OutcomeSuccess, classify("Todo listo").Outcome)

	v := classify("Agent stopped due to iteration limit or time limit")
	assert.Equal(t, OutcomeRetryable, v.Outcome)
	assert.Contains(t, v.Reason, "Agent stopped")

	assert.Equal(t, OutcomeSuccess, PhraseClassifier(nil)("anything").Outcome)
}

func TestValidityClassifier(t *testing.T) {
	classify := ValidityClassifier(func(n int) bool { return n > 0 })

	assert.Equal(t, Success(), classify(1, nil))
	assert.Equal(t, OutcomeRetryable, classify(0, nil).Outcome)
	assert.Equal(t, Retryable("boom"), classify(5, errors.New("boom")))
}

func TestOutcomeRoundTrip(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeRetryable, OutcomeFatal} {
		parsed, ok := ParseOutcome(o.String())
		assert.True(t, ok)
		assert.Equal(t, o, parsed)
	}
	_, ok := ParseOutcome("maybe")
	assert.False(t, ok)
	assert.Equal(t, "fatal: bad input", Fatal("bad input").String())
}
