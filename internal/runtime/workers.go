package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/agentflow/internal/delivery"
	"github.com/drblury/agentflow/internal/graph"
	"github.com/drblury/agentflow/internal/pipelines"
	"github.com/drblury/agentflow/internal/retry"
	configpkg "github.com/drblury/agentflow/internal/runtime/config"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

// Webhook kinds used as metric labels.
const (
	deliveryKindReply          = "reply"
	deliveryKindRoomSuggestion = "room_suggestion"
)

// replyPause waits between consecutive reply webhooks. Tests replace it.
var replyPause = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChatRequest is the envelope consumed from the chat topic.
type ChatRequest struct {
	UUID     string              `json:"uuid"`
	RoomID   string              `json:"room_id"`
	Messages []pipelines.Message `json:"messages"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// TopicSuggestionsRequest is the envelope consumed from the analytics topic.
type TopicSuggestionsRequest struct {
	UUID     string              `json:"uuid"`
	RoomID   string              `json:"room_id"`
	Messages []pipelines.Message `json:"messages"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// RoomSuggestionsRequest is one unit of a room-suggestion batch. UUID names
// the batch and IsLast closes it.
type RoomSuggestionsRequest struct {
	UUID               string              `json:"uuid"`
	RoomID             string              `json:"room_id"`
	HistoricalMessages []pipelines.Message `json:"historical_messages"`
	IsLast             bool                `json:"is_last"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// Workers hold the handlers registered on the dispatcher for the request
// topics.
type Workers struct {
	conf       *configpkg.Config
	catalog    *pipelines.Catalog
	executor   *graph.Executor
	callbacks  graph.Callbacks
	deliverer  delivery.Deliverer
	publisher  message.Publisher
	aggregator *delivery.Aggregator
	phrases    func(string) retry.Verdict
	metrics    *Metrics
	logger     loggingpkg.ServiceLogger
}

// WorkersConfig wires Workers.
type WorkersConfig struct {
	Conf      *configpkg.Config
	Catalog   *pipelines.Catalog
	Deliverer delivery.Deliverer
	Store     delivery.Store
	Callbacks graph.Callbacks
	Metrics   *Metrics
	// Publisher, when set, carries chat responses to the response topic
	// ahead of the paced reply webhooks.
	Publisher message.Publisher
}

// NewWorkers builds the workers. Store receives the room-suggestion partials.
func NewWorkers(cfg WorkersConfig, logger loggingpkg.ServiceLogger) (*Workers, error) {
	switch {
	case cfg.Conf == nil:
		return nil, errspkg.ErrConfigRequired
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("%w: pipeline catalog is nil", errspkg.ErrWorkflowUnavailable)
	case cfg.Deliverer == nil:
		return nil, errors.New("agentflow: deliverer is required")
	}
	logger = loggingpkg.OrNop(logger)
	w := &Workers{
		conf:      cfg.Conf,
		catalog:   cfg.Catalog,
		executor:  graph.NewExecutor(logger),
		callbacks: cfg.Callbacks,
		deliverer: cfg.Deliverer,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
	if len(cfg.Conf.FailurePhrases) > 0 {
		w.phrases = retry.PhraseClassifier(cfg.Conf.FailurePhrases)
	}

	store := cfg.Store
	if store == nil {
		store = delivery.NewMemoryStore()
	}
	agg, err := delivery.NewAggregator(store, w.synthesizeRooms, w.countingDeliverer(deliveryKindRoomSuggestion),
		cfg.Conf.WebhookRoomSuggestionURL, delivery.WithAggregatorLogger(logger))
	if err != nil {
		return nil, err
	}
	w.aggregator = agg
	return w, nil
}

// Routes returns the dispatcher routes for the configured request topics.
func (w *Workers) Routes() []Route {
	return []Route{
		{Name: "chat_worker", Topic: w.conf.ChatTopic, PublishTopic: w.conf.ResponseTopic, Handler: w.HandleChat},
		{Name: "topic_suggestions_worker", Topic: w.conf.AnalyticsTopic, PublishTopic: w.conf.ResponseTopic, Handler: w.HandleTopicSuggestions},
		{Name: "room_suggestions_worker", Topic: w.conf.RoomSuggestionTopic, Handler: w.HandleRoomSuggestion},
	}
}

// Run executes one pipeline under the configured recursion limit.
func (w *Workers) Run(ctx context.Context, pipeline, correlationID string, initial graph.State) (graph.State, error) {
	g, err := w.catalog.Graph(pipeline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrWorkflowUnavailable, err)
	}
	rc := graph.NewRunContext(correlationID).
		WithRecursionLimit(w.conf.RecursionLimit).
		WithCallbacks(w.callbacks)
	return w.executor.Run(ctx, g, initial, rc)
}

// runWithRetry re-drives the whole pipeline while its result is classified
// Retryable. The last state is returned even when attempts run out.
func (w *Workers) runWithRetry(ctx context.Context, pipeline, correlationID string, initial graph.State) (graph.State, error) {
	st, err := retry.Do(ctx,
		func(ctx context.Context) (graph.State, error) {
			return w.Run(ctx, pipeline, correlationID, initial.Clone())
		},
		w.classifyRun,
		retry.WithPolicy(retry.ConstantPolicy(w.conf.WorkflowRetryMaxAttempts, w.conf.WorkflowRetryDelay)),
		retry.WithLogger(w.logger.With(loggingpkg.LogFields{"correlation_id": correlationID})),
		retry.WithName(pipeline),
	)
	if errors.Is(err, retry.ErrExhausted) && st != nil {
		if st.Err() == "" {
			var exhausted *retry.ExhaustedError
			if errors.As(err, &exhausted) && exhausted.Err != nil {
				st[graph.ErrorField] = exhausted.Err.Error()
			} else {
				st[graph.ErrorField] = err.Error()
			}
		}
		w.logger.Error("Workflow kept failing, using last result", err, loggingpkg.LogFields{
			"pipeline":       pipeline,
			"correlation_id": correlationID,
		})
		return st, nil
	}
	return st, err
}

// classifyRun prefers the outcome written by the pipeline. The phrase
// fallback only applies when failure phrases are configured and no outcome
// was reported.
func (w *Workers) classifyRun(st graph.State, err error) retry.Verdict {
	if err != nil {
		if errors.Is(err, graph.ErrGraphExecution) || errors.Is(err, errspkg.ErrWorkflowUnavailable) {
			return retry.Fatal(err.Error())
		}
		return retry.Retryable(err.Error())
	}
	if outcome, ok := retry.ParseOutcome(st.GetString(pipelines.FieldOutcome)); ok {
		reason := st.Err()
		switch outcome {
		case retry.OutcomeRetryable:
			return retry.Retryable(reason)
		case retry.OutcomeFatal:
			return retry.Fatal(reason)
		}
		return retry.Success()
	}
	if w.phrases != nil {
		if replies := st.GetStrings(pipelines.FieldListMessage); len(replies) > 0 {
			return w.phrases(replies[0])
		}
	}
	return retry.Success()
}

// HandleChat runs the chat pipeline, answers on the response topic and then
// posts every cleaned reply to the webhook. Without a publisher the answer is
// returned to the dispatcher once the webhooks are done.
func (w *Workers) HandleChat(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()
	var req ChatRequest
	env, err := decodeRequest(msg, &req)
	if err != nil {
		return nil, err
	}
	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	log := w.logger.With(loggingpkg.LogFields{"uuid": req.UUID, "room_id": req.RoomID, "correlation_id": correlationID})
	log.Info("Executing chat workflow", nil)

	st, err := w.runWithRetry(ctx, pipelines.Chat, correlationID, graph.State{
		pipelines.FieldRunID:    req.UUID,
		pipelines.FieldRoomID:   req.RoomID,
		pipelines.FieldMessages: req.Messages,
		pipelines.FieldMetadata: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("chat workflow %s: %w", req.UUID, err)
	}

	agentID := st.GetString(pipelines.FieldAgentIDExecuted)
	replies := CleanReplies(st.GetStrings(pipelines.FieldListMessage))
	out, err := w.respond(env, correlationID, Envelope{
		"uuid":         req.UUID,
		"room_id":      req.RoomID,
		"list_message": replies,
		"user_id":      agentID,
		"error":        st.Err(),
	})
	if err != nil {
		return nil, err
	}
	if w.publisher != nil && w.conf.ResponseTopic != "" {
		for _, m := range out {
			metadatapkg.Propagate(msg, m)
		}
		if err := w.publisher.Publish(w.conf.ResponseTopic, out...); err != nil {
			return nil, fmt.Errorf("publish chat response %s: %w", req.UUID, err)
		}
		out = nil
	}

	w.deliverReplies(ctx, log, req.UUID, agentID, replies)
	return out, nil
}

func (w *Workers) deliverReplies(ctx context.Context, log loggingpkg.ServiceLogger, uuid, agentID string, replies []string) {
	if w.conf.WebhookURL == "" {
		return
	}
	deliver := w.countingDeliverer(deliveryKindReply)
	for i, reply := range replies {
		if i > 0 {
			if err := replyPause(ctx, w.conf.ReplyPacing); err != nil {
				log.Error("Reply delivery interrupted", err, loggingpkg.LogFields{"remaining": len(replies) - i})
				return
			}
		}
		if err := deliver.Deliver(ctx, w.conf.WebhookURL, delivery.NewReplyPayload(uuid, reply, agentID)); err != nil {
			log.Error("Reply webhook failed", err, loggingpkg.LogFields{"reply": i + 1})
			continue
		}
		log.Info("Reply webhook sent", loggingpkg.LogFields{"reply": i + 1, "send_message": agentID != ""})
	}
}

// HandleTopicSuggestions runs the topic-suggestions pipeline and answers on
// the response topic.
func (w *Workers) HandleTopicSuggestions(msg *message.Message) ([]*message.Message, error) {
	var req TopicSuggestionsRequest
	env, err := decodeRequest(msg, &req)
	if err != nil {
		return nil, err
	}
	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	w.logger.Info("Processing topic suggestions", loggingpkg.LogFields{"uuid": req.UUID, "room_id": req.RoomID})

	st, err := w.runWithRetry(msg.Context(), pipelines.TopicSuggestions, correlationID, graph.State{
		pipelines.FieldRunID:    req.UUID,
		pipelines.FieldRoomID:   req.RoomID,
		pipelines.FieldMessages: req.Messages,
		pipelines.FieldMetadata: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("topic suggestions %s: %w", req.UUID, err)
	}
	suggestions := st[pipelines.FieldSuggestions]
	if suggestions == nil {
		suggestions = []any{}
	}
	return w.respond(env, correlationID, Envelope{
		"uuid":        req.UUID,
		"room_id":     req.RoomID,
		"suggestions": suggestions,
		"error":       st.Err(),
	})
}

// HandleRoomSuggestion analyses one room of a batch and records the result.
// The unit flagged is_last closes the batch: every recorded unit is
// synthesized and one webhook is posted.
func (w *Workers) HandleRoomSuggestion(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()
	var req RoomSuggestionsRequest
	if _, err := decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	log := w.logger.With(loggingpkg.LogFields{"batch": req.UUID, "room_id": req.RoomID})

	partial := delivery.Partial{BatchKey: req.UUID, UnitID: req.RoomID, Result: map[string]any{"room_id": req.RoomID}}
	st, err := w.Run(ctx, pipelines.RoomSuggestions, msg.Metadata.Get(metadatapkg.KeyCorrelationID), graph.State{
		pipelines.FieldRunID:    req.UUID,
		pipelines.FieldRoomID:   req.RoomID,
		pipelines.FieldMessages: req.HistoricalMessages,
	})
	switch {
	case err != nil:
		partial.Error = err.Error()
		log.Error("Room suggestion workflow failed", err, nil)
	case st.Err() != "":
		partial.Error = st.Err()
		log.Error("Room suggestion workflow reported an error", errors.New(st.Err()), nil)
	}
	if st != nil {
		partial.Result[pipelines.FieldRoomSuggestion] = st[pipelines.FieldRoomSuggestion]
	}

	delivered, err := w.aggregator.Process(ctx, partial, req.IsLast)
	if req.IsLast {
		log.Info("Batch closed", loggingpkg.LogFields{"delivered": delivered})
	}
	return nil, err
}

// synthesizeRooms runs the final analysis over every recorded unit.
func (w *Workers) synthesizeRooms(ctx context.Context, batchKey string, partials []delivery.Partial) (any, error) {
	units := make([]any, 0, len(partials))
	for _, p := range partials {
		unit := make(map[string]any, len(p.Result)+1)
		for k, v := range p.Result {
			unit[k] = v
		}
		if p.Error != "" {
			unit["error"] = p.Error
		}
		units = append(units, unit)
	}

	st, err := w.Run(ctx, pipelines.FinalRoomAnalysis, batchKey, graph.State{
		pipelines.FieldRunID:           batchKey,
		pipelines.FieldRoomSuggestions: units,
	})
	if err != nil {
		return nil, err
	}
	if msg := st.Err(); msg != "" {
		return nil, errors.New(msg)
	}
	return delivery.SuggestionPayload{Suggestion: asObject(st[pipelines.FieldRoomSuggestion])}, nil
}

// respond builds the response envelope carrying the request's correlation id.
func (w *Workers) respond(req Envelope, correlationID string, body Envelope) ([]*message.Message, error) {
	field := w.conf.CorrelationField
	if id := req.GetString(field); id != "" {
		correlationID = id
	}
	body[field] = correlationID
	out, err := NewEnvelopeMessage(body, field, metadatapkg.New(metadatapkg.KeyCorrelationID, correlationID))
	if err != nil {
		return nil, err
	}
	return []*message.Message{out}, nil
}

func (w *Workers) countingDeliverer(kind string) delivery.Deliverer {
	return deliverFunc(func(ctx context.Context, url string, payload any) error {
		err := w.deliverer.Deliver(ctx, url, payload)
		if w.metrics != nil {
			w.metrics.ObserveDelivery(kind, err)
		}
		return err
	})
}

type deliverFunc func(ctx context.Context, url string, payload any) error

func (f deliverFunc) Deliver(ctx context.Context, url string, payload any) error {
	return f(ctx, url, payload)
}

func decodeRequest(msg *message.Message, into any) (Envelope, error) {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := env.Into(into); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrEnvelopeInvalid, err)
	}
	return env, nil
}

func asObject(v any) map[string]any {
	switch o := v.(type) {
	case map[string]any:
		return o
	case nil:
		return map[string]any{}
	}
	return map[string]any{"value": v}
}

// CleanReplies strips markdown leftovers from generated replies and drops
// the ones that are empty, one character long or wrapped in parentheses.
func CleanReplies(replies []string) []string {
	out := make([]string, 0, len(replies))
	for _, r := range replies {
		if cleaned, ok := CleanReply(r); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

// CleanReply cleans one reply and reports whether it should be sent.
func CleanReply(reply string) (string, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(reply, "`", ""))
	s = strings.TrimPrefix(strings.Trim(s, "` \n"), "json\n")
	s = strings.TrimSpace(strings.ReplaceAll(s, "**", ""))
	if len([]rune(s)) <= 1 {
		return "", false
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return "", false
	}
	return s, true
}
