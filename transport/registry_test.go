package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuildUsesNamedBuilder(t *testing.T) {
	reg := NewRegistry()
	pub, sub := &mockPublisher{}, &mockSubscriber{}
	reg.RegisterWithCapabilities("test", func(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		assert.Equal(t, "agent-group", cfg.GetKafkaConsumerGroup())
		assert.NotNil(t, logger)
		return Transport{Publisher: pub, Subscriber: sub}, nil
	}, Capabilities{Name: "test", SupportsConsumerGroups: true})

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test", consumerGroup: "agent-group"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.True(t, reg.GetCapabilities("test").NeedsDedicatedSubscriber())
	assert.True(t, reg.Has("test"))
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial tcp: refused")
	})
	reg.Register("alpha", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, nil
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "missing"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), "[alpha broken]")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "broken"}, nil)
	assert.ErrorContains(t, err, "transport broken: dial tcp: refused")
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("nope")
	assert.Equal(t, Capabilities{Name: "nope"}, caps)
	assert.False(t, caps.NeedsDedicatedSubscriber())
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	DefaultRegistry = NewRegistry()
	t.Cleanup(func() { DefaultRegistry = original })

	RegisterWithCapabilities("mem", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: &mockPublisher{}}, nil
	}, ChannelCapabilities)

	tr, err := Build(context.Background(), &mockConfig{pubSubSystem: "mem"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.Equal(t, "channel", GetCapabilities("mem").Name)
	assert.Equal(t, []string{"mem"}, DefaultRegistry.Names())
}
