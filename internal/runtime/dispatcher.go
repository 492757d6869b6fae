package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

// DefaultMaxConcurrentHandlers caps in-flight handlers when no limit is given.
const DefaultMaxConcurrentHandlers = 10

// Route binds a topic to a handler. Messages the handler returns are
// published to PublishTopic.
type Route struct {
	Name         string
	Topic        string
	PublishTopic string
	Handler      message.HandlerFunc
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	MaxConcurrent   int
	ErrorClassifier ErrorClassifier
}

// Dispatcher consumes every routed topic from one subscriber and runs the
// matching handler for each message. Messages are acked on receipt; a bounded
// number of handlers run at once and handler failures never stop a consume
// loop.
type Dispatcher struct {
	subscriber message.Subscriber
	publisher  message.Publisher
	logger     loggingpkg.ServiceLogger
	classify   ErrorClassifier

	sem   *semaphore.Weighted
	limit int64

	mu          sync.Mutex
	routes      map[string]*Route
	stats       map[string]*HandlerStats
	middlewares []message.HandlerMiddleware
	chains      map[string]message.HandlerFunc
	started     bool

	running  chan struct{}
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher reading from subscriber. publisher may be
// nil when no route publishes.
func NewDispatcher(subscriber message.Subscriber, publisher message.Publisher, logger loggingpkg.ServiceLogger, cfg DispatcherConfig) (*Dispatcher, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	limit := int64(cfg.MaxConcurrent)
	if limit <= 0 {
		limit = DefaultMaxConcurrentHandlers
	}
	classify := cfg.ErrorClassifier
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	return &Dispatcher{
		subscriber: subscriber,
		publisher:  publisher,
		logger:     loggingpkg.OrNop(logger),
		classify:   classify,
		sem:        semaphore.NewWeighted(limit),
		limit:      limit,
		routes:     make(map[string]*Route),
		stats:      make(map[string]*HandlerStats),
		running:    make(chan struct{}),
	}, nil
}

// Handle registers a route. One handler per topic.
func (d *Dispatcher) Handle(r Route) error {
	switch {
	case r.Name == "":
		return errspkg.ErrHandlerNameRequired
	case r.Topic == "":
		return errspkg.ErrTopicRequired
	case r.Handler == nil:
		return errspkg.ErrHandlerRequired
	}
	if r.PublishTopic != "" && d.publisher == nil {
		return errspkg.ErrPublisherRequired
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errspkg.ErrDispatcherRunning
	}
	if existing, ok := d.routes[r.Topic]; ok {
		return fmt.Errorf("%w: %s already handled by %s", errspkg.ErrDuplicateTopicHandler, r.Topic, existing.Name)
	}
	route := r
	d.routes[r.Topic] = &route
	d.stats[r.Topic] = newHandlerStats(route, d.classify)
	return nil
}

// Use appends middleware. The first middleware added is the outermost.
func (d *Dispatcher) Use(mw ...message.HandlerMiddleware) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errspkg.ErrDispatcherRunning
	}
	for _, m := range mw {
		if m != nil {
			d.middlewares = append(d.middlewares, m)
		}
	}
	return nil
}

// Running is closed once every topic is subscribed.
func (d *Dispatcher) Running() <-chan struct{} {
	return d.running
}

// Topics lists the routed topics sorted.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot per route sorted by topic.
func (d *Dispatcher) Stats() []HandlerSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HandlerSnapshot, 0, len(d.stats))
	for _, s := range d.stats {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Run subscribes to every routed topic and dispatches until ctx ends. It then
// stops reading, waits for in-flight handlers and returns. Run can be called
// once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errspkg.ErrDispatcherRunning
	}
	if len(d.routes) == 0 {
		d.mu.Unlock()
		return errspkg.ErrHandlerRequired
	}
	d.started = true
	d.chains = make(map[string]message.HandlerFunc, len(d.routes))
	for topic, r := range d.routes {
		d.chains[topic] = chain(r.Handler, d.middlewares)
	}
	topics := make([]string, 0, len(d.routes))
	for t := range d.routes {
		topics = append(topics, t)
	}
	d.mu.Unlock()
	sort.Strings(topics)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make(map[string]<-chan *message.Message, len(topics))
	for _, topic := range topics {
		msgs, err := d.subscriber.Subscribe(subCtx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		streams[topic] = msgs
	}

	d.logger.Info("Dispatcher running", loggingpkg.LogFields{
		"topics":         topics,
		"max_concurrent": d.limit,
	})
	close(d.running)

	var loops errgroup.Group
	for topic, msgs := range streams {
		loops.Go(func() error {
			d.consume(subCtx, topic, msgs)
			return nil
		})
	}
	err := loops.Wait()

	d.logger.Info("Dispatcher draining in-flight handlers", nil)
	d.inflight.Wait()
	d.logger.Info("Dispatcher stopped", nil)
	return err
}

func (d *Dispatcher) consume(ctx context.Context, topic string, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			msg.Ack()
			d.dispatch(ctx, topic, msg)
		}
	}
}

// dispatch starts the handler for msg once a permit is free. Permit waits
// ignore cancellation so an acked message is never dropped during shutdown.
func (d *Dispatcher) dispatch(ctx context.Context, topic string, msg *message.Message) {
	d.mu.Lock()
	route, ok := d.routes[topic]
	handler := d.chains[topic]
	stats := d.stats[topic]
	d.mu.Unlock()
	if !ok || handler == nil {
		d.logger.Info("Dropping message for unrouted topic", loggingpkg.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
		})
		return
	}

	runCtx := context.WithoutCancel(ctx)
	if err := d.sem.Acquire(runCtx, 1); err != nil {
		d.logger.Error("Failed to acquire handler permit", err, loggingpkg.LogFields{"topic": topic})
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.sem.Release(1)
		d.run(runCtx, route, handler, stats, msg)
	}()
}

func (d *Dispatcher) run(ctx context.Context, route *Route, handler message.HandlerFunc, stats *HandlerStats, msg *message.Message) {
	msg.SetContext(ctx)
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}
	msg.Metadata.Set(metadatapkg.KeyTopic, route.Topic)
	msg.Metadata.Set(metadatapkg.KeyHandler, route.Name)

	fields := loggingpkg.LogFields{
		"handler":      route.Name,
		"topic":        route.Topic,
		"message_uuid": msg.UUID,
	}

	started := time.Now()
	stats.start()
	produced, err := safeHandle(handler, msg)
	if err == nil && len(produced) > 0 {
		err = d.publish(route, msg, produced)
	}
	stats.finish(time.Since(started), err)

	if err != nil {
		d.logger.Error("Handler failed", err, fields)
		return
	}
	d.logger.Debug("Handler finished", fields)
}

func (d *Dispatcher) publish(route *Route, in *message.Message, out []*message.Message) error {
	if route.PublishTopic == "" {
		return fmt.Errorf("handler %s produced %d messages but has no publish topic", route.Name, len(out))
	}
	for _, m := range out {
		metadatapkg.Propagate(in, m)
	}
	if err := d.publisher.Publish(route.PublishTopic, out...); err != nil {
		return fmt.Errorf("publish to %s: %w", route.PublishTopic, err)
	}
	return nil
}

func safeHandle(h message.HandlerFunc, msg *message.Message) (out []*message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

// chain wraps h so that mws[0] runs first.
func chain(h message.HandlerFunc, mws []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
