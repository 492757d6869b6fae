// Package agentflow runs LLM chat and analysis workflows behind a message
// broker. Requests arrive on per-pipeline topics, a bounded Dispatcher hands
// each one to a worker that executes a compiled workflow graph, and the
// worker answers on the response topic where a Correlator matches the reply
// to the waiting caller by correlation id.
//
// Workflows are declared as graphs of named nodes. The node bodies (LLM
// prompts, room lookups, validators) are supplied by the caller as a
// Computes map; agentflow owns scheduling, state merging, per-node retry,
// workflow redrive and delivery of the results to webhooks.
//
// # Pipelines
//
//   - chat: summarise, enrich, route through an orchestrator and personalise
//     a reply, then split it into chat-sized messages
//   - topic_suggestions and message_suggestions
//   - room_suggestions: fan-out extractors joined into a per-room suggestion
//   - final_room_analysis: synthesis across a batch of rooms
//   - rule_creation_wizard
//
// # Transports
//
// The broker is chosen by Config.PubSubSystem: channel, kafka, rabbitmq,
// aws (SNS/SQS), nats or http. Import individual transports through the
// registry in the transport package to keep binaries small.
//
// # Room batches
//
// Room suggestions are accumulated per batch in a PartialStore (in memory or
// PostgreSQL). The message flagged is_last triggers exactly one synthesis
// and one webhook delivery, even when messages are redelivered.
//
// # Observability
//
// Handlers run behind correlation, logging, tracing and recovery middleware.
// JobHooks expose start, done and error callbacks, and Metrics exports
// Prometheus collectors for handlers, graph nodes, pending requests and
// webhook deliveries.
package agentflow
