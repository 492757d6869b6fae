package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsConsumerGroups indicates subscribers built with different
	// consumer groups each receive every message of a topic, while
	// subscribers sharing a group split it. Without groups every subscription
	// receives every message.
	SupportsConsumerGroups bool

	// SupportsNativeDLQ indicates the broker can dead-letter messages itself.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates messages within a partition or queue are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	Name string
}

// RequiresDLQEmulation reports whether failed messages must be routed to a
// poison queue by the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// NeedsDedicatedSubscriber reports whether a listener with its own consumer
// group needs its own subscriber to see every message.
func (c Capabilities) NeedsDedicatedSubscriber() bool {
	return c.SupportsConsumerGroups
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsConsumerGroups: true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsConsumerGroups: true,
		SupportsNativeDLQ:      true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
	}

	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		SupportsTracing:        true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsConsumerGroups: true,
		SupportsNativeDLQ:      true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		MaxMessageSize:         262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport in the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
