package retry

import (
	"fmt"
	"strings"
)

// Outcome is the tagged result a compute step or classifier reports.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome maps the string form written into run state back to an Outcome.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return OutcomeSuccess, true
	case "retryable":
		return OutcomeRetryable, true
	case "fatal":
		return OutcomeFatal, true
	}
	return OutcomeSuccess, false
}

// Verdict is {Success, Retryable(reason), Fatal(reason)}.
type Verdict struct {
	Outcome Outcome
	Reason  string
}

func Success() Verdict {
	return Verdict{Outcome: OutcomeSuccess}
}

func Retryable(reason string) Verdict {
	return Verdict{Outcome: OutcomeRetryable, Reason: reason}
}

func Fatal(reason string) Verdict {
	return Verdict{Outcome: OutcomeFatal, Reason: reason}
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return v.Outcome.String()
	}
	return v.Outcome.String() + ": " + v.Reason
}

// Classifier turns one attempt's result into a Verdict.
type Classifier[T any] func(value T, err error) Verdict

// ValidityClassifier treats a returned error or an output rejected by isValid
// as retryable. A nil isValid accepts every output.
func ValidityClassifier[T any](isValid func(T) bool) Classifier[T] {
	return func(value T, err error) Verdict {
		if err != nil {
			return Retryable(err.Error())
		}
		if isValid != nil && !isValid(value) {
			return Retryable("output rejected by validity check")
		}
		return Success()
	}
}
