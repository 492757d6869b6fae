package delivery

import (
	"context"
	"errors"
	"fmt"

	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
)

// Synthesizer combines every partial of a batch into the delivered payload.
type Synthesizer func(ctx context.Context, batchKey string, partials []Partial) (any, error)

// Aggregator records partials and delivers one synthesized payload per batch.
type Aggregator struct {
	store     Store
	synth     Synthesizer
	deliverer Deliverer
	url       string
	failure   func(batchKey string, err error) any
	logger    loggingpkg.ServiceLogger
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithFailurePayload replaces the payload delivered when synthesis fails.
func WithFailurePayload(fn func(batchKey string, err error) any) AggregatorOption {
	return func(a *Aggregator) {
		a.failure = fn
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger loggingpkg.ServiceLogger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an Aggregator delivering to url.
func NewAggregator(store Store, synth Synthesizer, deliverer Deliverer, url string, opts ...AggregatorOption) (*Aggregator, error) {
	switch {
	case store == nil:
		return nil, errors.New("delivery: store is required")
	case synth == nil:
		return nil, errors.New("delivery: synthesizer is required")
	case deliverer == nil:
		return nil, errors.New("delivery: deliverer is required")
	}
	a := &Aggregator{
		store:     store,
		synth:     synth,
		deliverer: deliverer,
		url:       url,
		failure: func(batchKey string, err error) any {
			return SuggestionFailure(batchKey, err)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = loggingpkg.OrNop(a.logger)
	return a, nil
}

// RecordPartial persists one unit result. A failure is logged and returned;
// it never affects other units of the batch.
func (a *Aggregator) RecordPartial(ctx context.Context, p Partial) error {
	if p.BatchKey == "" || p.UnitID == "" {
		err := fmt.Errorf("delivery: partial needs batch key and unit id, got %q/%q", p.BatchKey, p.UnitID)
		a.logger.Error("Partial not recorded", err, nil)
		return err
	}
	if err := a.store.SavePartial(ctx, p); err != nil {
		a.logger.Error("Partial not recorded", err, loggingpkg.LogFields{
			"batch": p.BatchKey,
			"unit":  p.UnitID,
		})
		return err
	}
	a.logger.Debug("Partial recorded", loggingpkg.LogFields{"batch": p.BatchKey, "unit": p.UnitID})
	return nil
}

// OnFinal reads every partial of the batch, synthesizes them and delivers one
// payload. The batch is claimed first, so a repeated final message delivers
// nothing and OnFinal reports false.
func (a *Aggregator) OnFinal(ctx context.Context, batchKey string) (bool, error) {
	log := a.logger.With(loggingpkg.LogFields{"batch": batchKey})

	claimed, err := a.store.MarkSynthesized(ctx, batchKey)
	if err != nil {
		log.Error("Could not claim batch synthesis", err, nil)
		return false, err
	}
	if !claimed {
		log.Info("Batch already synthesized, skipping delivery", nil)
		return false, nil
	}

	partials, err := a.store.Partials(ctx, batchKey)
	var payload any
	if err == nil {
		payload, err = a.synth(ctx, batchKey, partials)
	}
	if err != nil {
		log.Error("Batch synthesis failed", err, loggingpkg.LogFields{"partials": len(partials)})
		payload = a.failure(batchKey, err)
	} else {
		log.Info("Batch synthesized", loggingpkg.LogFields{"partials": len(partials)})
	}

	if derr := a.deliverer.Deliver(ctx, a.url, payload); derr != nil {
		return true, errors.Join(err, derr)
	}
	return true, err
}

// Process records p and, when final is set, closes the batch.
func (a *Aggregator) Process(ctx context.Context, p Partial, final bool) (bool, error) {
	recordErr := a.RecordPartial(ctx, p)
	if !final {
		return false, recordErr
	}
	delivered, err := a.OnFinal(ctx, p.BatchKey)
	return delivered, errors.Join(recordErr, err)
}
