package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

func newTestPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// startDispatcher runs d until the test ends and waits for its subscriptions.
func startDispatcher(t *testing.T, d *Dispatcher) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Running():
	case err := <-done:
		cancel()
		t.Fatalf("dispatcher stopped early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("dispatcher did not start")
	}
	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func publishRaw(t *testing.T, pub message.Publisher, topic string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, pub.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte(p))))
	}
}

func TestDispatcherCapsConcurrentHandlers(t *testing.T) {
	ps := newTestPubSub(t)
	d, err := NewDispatcher(ps, ps, nil, DispatcherConfig{MaxConcurrent: 2})
	require.NoError(t, err)

	var active, peak, completed atomic.Int32
	release := make(chan struct{})
	require.NoError(t, d.Handle(Route{
		Name:  "slow",
		Topic: "work",
		Handler: func(*message.Message) ([]*message.Message, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			completed.Add(1)
			return nil, nil
		},
	}))
	startDispatcher(t, d)

	publishRaw(t, ps, "work", `{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`)

	require.Eventually(t, func() bool { return active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, active.Load())

	close(release)
	require.Eventually(t, func() bool { return completed.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, peak.Load())

	stats := d.Stats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 5, stats[0].Processed)
	assert.EqualValues(t, 2, stats[0].MaxInFlight)
}

func TestDispatcherDrainsInFlightOnShutdown(t *testing.T) {
	ps := newTestPubSub(t)
	d, err := NewDispatcher(ps, ps, nil, DispatcherConfig{MaxConcurrent: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, d.Handle(Route{
		Name:  "slow",
		Topic: "work",
		Handler: func(*message.Message) ([]*message.Message, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil, nil
		},
	}))
	stop := startDispatcher(t, d)
	publishRaw(t, ps, "work", `{}`)
	<-started

	require.NoError(t, stop())
	assert.True(t, finished.Load())
}

func TestDispatcherHandlerFailuresDoNotStopConsuming(t *testing.T) {
	ps := newTestPubSub(t)
	logger := newRecordingLogger()
	d, err := NewDispatcher(ps, ps, logger, DispatcherConfig{})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, d.Handle(Route{
		Name:  "flaky",
		Topic: "work",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			switch calls.Add(1) {
			case 1:
				panic("boom")
			case 2:
				return nil, errors.New("bad input")
			}
			return nil, nil
		},
	}))
	startDispatcher(t, d)
	publishRaw(t, ps, "work", `{}`, `{}`, `{}`)

	require.Eventually(t, func() bool {
		s := d.Stats()
		return len(s) == 1 && s[0].Processed == 3
	}, 2*time.Second, 5*time.Millisecond)
	snap := d.Stats()[0]
	assert.EqualValues(t, 2, snap.Failed)
	assert.EqualValues(t, 2, snap.Errors.Other)
	assert.True(t, logger.Has("error", "Handler failed"))
}

func TestDispatcherPublishesHandlerOutput(t *testing.T) {
	ps := newTestPubSub(t)
	d, err := NewDispatcher(ps, ps, nil, DispatcherConfig{})
	require.NoError(t, err)
	require.NoError(t, d.Handle(Route{
		Name:         "echo",
		Topic:        "in",
		PublishTopic: "out",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			return []*message.Message{message.NewMessage(watermill.NewUUID(), msg.Payload)}, nil
		},
	}))

	out, err := ps.Subscribe(context.Background(), "out")
	require.NoError(t, err)
	startDispatcher(t, d)

	in := message.NewMessage(watermill.NewUUID(), []byte(`{"hello":"world"}`))
	in.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	require.NoError(t, ps.Publish("in", in))

	select {
	case msg := <-out:
		msg.Ack()
		assert.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
		assert.Equal(t, "corr-1", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	case <-time.After(2 * time.Second):
		t.Fatal("no output published")
	}
}

func TestDispatcherDropsUnroutedTopic(t *testing.T) {
	logger := newRecordingLogger()
	d, err := NewDispatcher(&testSubscriber{}, nil, logger, DispatcherConfig{})
	require.NoError(t, err)

	d.dispatch(context.Background(), "nowhere", message.NewMessage("1", []byte(`{}`)))

	assert.True(t, logger.Has("info", "Dropping message for unrouted topic"))
}

func TestDispatcherAppliesMiddlewareOutermostFirst(t *testing.T) {
	ps := newTestPubSub(t)
	d, err := NewDispatcher(ps, ps, nil, DispatcherConfig{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	tag := func(name string) message.HandlerMiddleware {
		return func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return h(msg)
			}
		}
	}
	require.NoError(t, d.Use(tag("outer"), tag("inner")))
	done := make(chan struct{})
	require.NoError(t, d.Handle(Route{
		Name:  "h",
		Topic: "work",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "work", msg.Metadata.Get(metadatapkg.KeyTopic))
			assert.Equal(t, "h", msg.Metadata.Get(metadatapkg.KeyHandler))
			close(done)
			return nil, nil
		},
	}))
	startDispatcher(t, d)
	publishRaw(t, ps, "work", `{}`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestDispatcherRegistration(t *testing.T) {
	noop := func(*message.Message) ([]*message.Message, error) { return nil, nil }

	_, err := NewDispatcher(nil, nil, nil, DispatcherConfig{})
	require.ErrorIs(t, err, errspkg.ErrSubscriberRequired)

	d, err := NewDispatcher(&testSubscriber{}, nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		route Route
		want  error
	}{
		{"missing name", Route{Topic: "t", Handler: noop}, errspkg.ErrHandlerNameRequired},
		{"missing topic", Route{Name: "h", Handler: noop}, errspkg.ErrTopicRequired},
		{"missing handler", Route{Name: "h", Topic: "t"}, errspkg.ErrHandlerRequired},
		{"publish without publisher", Route{Name: "h", Topic: "t", PublishTopic: "o", Handler: noop}, errspkg.ErrPublisherRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, d.Handle(tt.route), tt.want)
		})
	}

	require.NoError(t, d.Handle(Route{Name: "a", Topic: "t", Handler: noop}))
	assert.ErrorIs(t, d.Handle(Route{Name: "b", Topic: "t", Handler: noop}), errspkg.ErrDuplicateTopicHandler)
	assert.Equal(t, []string{"t"}, d.Topics())
}

func TestDispatcherRunRequiresRoutesAndRunsOnce(t *testing.T) {
	d, err := NewDispatcher(&testSubscriber{}, nil, nil, DispatcherConfig{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Run(context.Background()), errspkg.ErrHandlerRequired)

	require.NoError(t, d.Handle(Route{Name: "a", Topic: "t", Handler: func(*message.Message) ([]*message.Message, error) { return nil, nil }}))
	// testSubscriber closes its stream at once, so Run returns after draining.
	require.NoError(t, d.Run(context.Background()))
	assert.ErrorIs(t, d.Run(context.Background()), errspkg.ErrDispatcherRunning)
	assert.ErrorIs(t, d.Use(nil), errspkg.ErrDispatcherRunning)
}
