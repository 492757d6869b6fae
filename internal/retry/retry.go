// Package retry wraps a compute call with bounded attempts, exponential
// backoff and a pluggable acceptance check.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
)

const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 600 * time.Millisecond
	DefaultMultiplier     = 2.0
	defaultMaxBackoff     = time.Minute
)

// ErrExhausted is matched by the error returned when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ErrFatal is matched by the error returned when a classifier reported Fatal.
var ErrFatal = errors.New("retry: fatal outcome")

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds the attempts of one wrapped call.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Multiplier grows the backoff after each failed attempt. 1 keeps it constant.
	Multiplier float64
	MaxBackoff time.Duration
}

// DefaultPolicy is 4 attempts with 0.6s, 1.2s and 2.4s between them.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, InitialBackoff: DefaultInitialBackoff, Multiplier: DefaultMultiplier}
}

// ConstantPolicy retries up to attempts times with a fixed delay.
func ConstantPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: delay, Multiplier: 1}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Schedule returns the pauses taken between attempts; it has MaxAttempts-1 entries.
func (p Policy) Schedule() []time.Duration {
	p = p.withDefaults()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	if p.InitialBackoff == 0 {
		for i := 1; i < p.MaxAttempts; i++ {
			out = append(out, 0)
		}
		return out
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
	}
	b.Reset()
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// ExhaustedError reports the last failure after every attempt was used.
type ExhaustedError struct {
	Name     string
	Attempts int
	Reason   string
	Err      error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: %d attempts failed: %s", e.Name, e.Attempts, e.Reason)
	if e.Err != nil && e.Err.Error() != e.Reason {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExhausted}
	}
	return []error{ErrExhausted, e.Err}
}

// FatalError reports a classifier that refused further attempts.
type FatalError struct {
	Name    string
	Attempt int
	Reason  string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal on attempt %d: %s", e.Name, e.Attempt, e.Reason)
}

func (e *FatalError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFatal}
	}
	return []error{ErrFatal, e.Err}
}

type options struct {
	policy Policy
	logger loggingpkg.ServiceLogger
	name   string
}

// Option customises a wrapped call.
type Option func(*options)

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(opts []Option) options {
	o := options{policy: DefaultPolicy(), name: "compute"}
	for _, opt := range opts {
		opt(&o)
	}
	o.policy = o.policy.withDefaults()
	o.logger = loggingpkg.OrNop(o.logger)
	return o
}

// Do calls compute until classify reports Success, reports Fatal, or the
// attempts run out. It returns the last value produced together with a nil
// error on success, a *FatalError, an *ExhaustedError, or ctx.Err() when the
// context ends during a backoff pause.
func Do[T any](ctx context.Context, compute func(context.Context) (T, error), classify Classifier[T], opts ...Option) (T, error) {
	o := buildOptions(opts)
	if classify == nil {
		classify = ValidityClassifier[T](nil)
	}
	schedule := o.policy.Schedule()

	var (
		value   T
		lastErr error
		verdict Verdict
	)
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		value, lastErr = compute(ctx)
		verdict = classify(value, lastErr)

		switch verdict.Outcome {
		case OutcomeSuccess:
			if attempt > 1 {
				o.logger.Info("Attempt succeeded after retries", loggingpkg.LogFields{
					"name":    o.name,
					"attempt": attempt,
				})
			}
			return value, nil
		case OutcomeFatal:
			err := &FatalError{Name: o.name, Attempt: attempt, Reason: verdict.Reason, Err: lastErr}
			o.logger.Error("Attempt failed fatally", err, loggingpkg.LogFields{
				"name":    o.name,
				"attempt": attempt,
			})
			return value, err
		}

		fields := loggingpkg.LogFields{
			"name":         o.name,
			"attempt":      attempt,
			"max_attempts": o.policy.MaxAttempts,
			"reason":       verdict.Reason,
		}
		if attempt == o.policy.MaxAttempts {
			o.logger.Error("Attempt failed", lastErr, fields)
			break
		}
		pause := schedule[attempt-1]
		fields["backoff"] = pause.String()
		o.logger.Error("Attempt failed, backing off", lastErr, fields)
		if err := sleep(ctx, pause); err != nil {
			return value, err
		}
	}

	return value, &ExhaustedError{
		Name:     o.name,
		Attempts: o.policy.MaxAttempts,
		Reason:   verdict.Reason,
		Err:      lastErr,
	}
}

// Invoke runs compute with the attempt policy and accepts the first output
// for which isValid is true. When every attempt fails it returns def together
// with the last error and never panics, so callers can record the failure and
// carry on.
func Invoke[T any](ctx context.Context, compute func(context.Context) (T, error), isValid func(T) bool, def T, opts ...Option) (T, error) {
	value, err := Do(ctx, compute, ValidityClassifier(isValid), opts...)
	if err != nil {
		return def, err
	}
	return value, nil
}
