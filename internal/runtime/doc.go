/*
Package runtime provides the message processing infrastructure for agentflow.

# Architecture Overview

The runtime consumes request envelopes from a broker, runs the matching
workflow pipeline and answers either on a response topic or through a
webhook. Brokers are reached through Watermill publishers and subscribers.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Publisher and subscriber connections built by the transport factory
  - The dispatcher with the worker handlers and the middleware chain
  - The response correlator used by gateways
  - Webhook delivery and the partial-result store
  - Prometheus metrics and their HTTP endpoint

## Dispatcher (dispatcher.go)

Consumes every routed topic under one consumer group. Messages are acked on
receipt and at most MaxConcurrentHandlers handlers run at once. Shutdown
waits for the in-flight handlers.

## Correlator (correlator.go)

Pairs published requests with responses read from the response topic. The
pending entry exists before the request is sent; a timeout evicts it.

## Workers (workers.go)

Handlers for the chat, topic-suggestion and room-suggestion topics.

## Middleware (middleware.go, hooks.go)

  - CorrelationID: Ensures message traceability
  - PoisonQueue: Forwards failed messages when configured
  - Tracer: OpenTelemetry distributed tracing
  - JobHooks: Logging, metrics and caller hooks around each handler
  - LogMessages: Debug logging of message payloads
  - Recoverer: Panic recovery

## Stats & Monitoring (stats.go, metrics.go)

  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Prometheus collectors for handlers, workflow runs, pending requests and webhooks

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - transport/: Transport factory over the broker registry

# Usage Example

	cfg := agentflow.DefaultConfig()
	cfg.PubSubSystem = "kafka"
	cfg.WebhookURL = "https://example.com/hooks/reply"

	svc, err := agentflow.NewService(ctx, cfg, logger, agentflow.ServiceDependencies{
		Computes: computes,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Start(ctx)
*/
package runtime
