package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/agentflow/internal/delivery"
	"github.com/drblury/agentflow/internal/graph"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
)

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"envelope", fmt.Errorf("decode: %w", errspkg.ErrEnvelopeInvalid), ErrorCategoryValidation},
		{"graph", &graph.GraphError{Code: graph.CodeRecursionLimit}, ErrorCategoryWorkflow},
		{"unknown pipeline", errspkg.ErrWorkflowUnavailable, ErrorCategoryWorkflow},
		{"correlation timeout", &TimeoutError{CorrelationID: "c", Timeout: time.Second}, ErrorCategoryTimeout},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"webhook", &delivery.DeliveryError{StatusCode: 500}, ErrorCategoryDownstream},
		{"other", errors.New("boom"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultErrorClassifier(tt.err))
		})
	}
}

func TestHandlerStatsTracksOutcomes(t *testing.T) {
	stats := newHandlerStats(Route{Name: "chat_worker", Topic: "agent-chat", PublishTopic: "agent-chat-response"}, nil)

	stats.start()
	stats.start()
	assert.EqualValues(t, 2, stats.Snapshot().InFlight)

	stats.finish(10*time.Millisecond, nil)
	stats.finish(30*time.Millisecond, fmt.Errorf("wrap: %w", errspkg.ErrEnvelopeInvalid))

	snap := stats.Snapshot()
	assert.Equal(t, "chat_worker", snap.Name)
	assert.Equal(t, "agent-chat-response", snap.PublishTopic)
	assert.EqualValues(t, 0, snap.InFlight)
	assert.EqualValues(t, 2, snap.MaxInFlight)
	assert.EqualValues(t, 2, snap.Processed)
	assert.EqualValues(t, 1, snap.Failed)
	assert.EqualValues(t, 1, snap.Errors.Validation)
	assert.Equal(t, int64(20*time.Millisecond), snap.Latency.AverageNs)
	assert.Equal(t, int64(30*time.Millisecond), snap.Latency.LastNs)
	assert.Equal(t, 2, snap.Latency.SampleSize)
	assert.EqualValues(t, 2, snap.Throughput.MessagesInWindow)
	assert.False(t, snap.LastProcessedAt.IsZero())
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(30), percentile(samples, 0.5))
	assert.Equal(t, int64(48), percentile(samples, 0.95))
	assert.Equal(t, int64(50), percentile(samples, 0.99))
	assert.Equal(t, int64(25), percentile([]int64{20, 30}, 0.5))
	assert.Equal(t, int64(50), percentile(samples, 1))
	assert.Equal(t, int64(0), percentile(nil, 0.5))
}

func TestLatencyWindowKeepsMostRecentSamples(t *testing.T) {
	lw := newLatencyWindow(3)
	for _, d := range []time.Duration{100, 1, 2, 3} {
		lw.add(d)
	}
	snap := lw.snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(2), snap.P50Ns)
	assert.Equal(t, int64(3), snap.LastNs)
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	base := time.Unix(0, 0)
	tw.addAndSnapshot(base)
	tw.addAndSnapshot(base.Add(500 * time.Millisecond))
	snap := tw.addAndSnapshot(base.Add(1200 * time.Millisecond))
	assert.Equal(t, 2, snap.count)
	assert.InDelta(t, 0.7, snap.windowSeconds, 1e-9)
}
