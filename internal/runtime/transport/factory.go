// Package transport builds the broker publisher/subscriber pairs used by the
// runtime from a config.Config.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/agentflow/internal/runtime/config"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	"github.com/drblury/agentflow/transport"

	// Registers every built-in transport.
	_ "github.com/drblury/agentflow/transport/transports"
)

// Transport is the publisher/subscriber pair of one broker connection.
type Transport = transport.Transport

// Factory abstracts how the runtime initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
	Capabilities(conf *config.Config) transport.Capabilities
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return registryFactory{registry: transport.DefaultRegistry}
}

// NewFactory returns a factory backed by registry.
func NewFactory(registry *transport.Registry) Factory {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return f.registry.Build(ctx, conf, logger)
}

func (f registryFactory) Capabilities(conf *config.Config) transport.Capabilities {
	if conf == nil {
		return transport.Capabilities{}
	}
	return f.registry.GetCapabilities(conf.PubSubSystem)
}

// BuildResponseListener returns the subscriber the correlator listens on.
// Group-aware backends get a dedicated connection in the response consumer
// group; the others reuse main.Subscriber, which already sees every message.
// dedicated reports whether the caller owns a second transport to close.
func BuildResponseListener(ctx context.Context, f Factory, conf *config.Config, main Transport, logger watermill.LoggerAdapter) (listener Transport, dedicated bool, err error) {
	if !f.Capabilities(conf).NeedsDedicatedSubscriber() {
		return Transport{Subscriber: main.Subscriber}, false, nil
	}
	listener, err = f.Build(ctx, conf.WithConsumerGroup(conf.ResponseConsumerGroup), logger)
	if err != nil {
		return Transport{}, false, err
	}
	return listener, true, nil
}
