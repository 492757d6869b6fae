package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/agentflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	t.Cleanup(func() { transport.DefaultRegistry = original })
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsAck)
	assert.False(t, caps.NeedsDedicatedSubscriber())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildFansOutToEverySubscription(t *testing.T) {
	tr, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := tr.Subscriber.Subscribe(ctx, "responses")
	require.NoError(t, err)
	second, err := tr.Subscriber.Subscribe(ctx, "responses")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("responses", message.NewMessage("m-1", []byte(`{"ok":true}`))))

	for _, ch := range []<-chan *message.Message{first, second} {
		select {
		case msg := <-ch:
			assert.Equal(t, "m-1", msg.UUID)
			msg.Ack()
		case <-ctx.Done():
			t.Fatal("message not delivered to every subscription")
		}
	}
}

func TestBuildUsesFactory(t *testing.T) {
	originalFactory := Factory
	t.Cleanup(func() { Factory = originalFactory })

	mockPub := &mockPublisher{}
	mockSub := &mockSubscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
		return mockPub, mockSub
	}

	tr, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, mockPub, tr.Publisher)
	assert.Same(t, mockSub, tr.Subscriber)
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                              { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
