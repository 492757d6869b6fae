package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	idspkg "github.com/drblury/agentflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

// DefaultResponseTimeout bounds AwaitResponse when no timeout is given.
const DefaultResponseTimeout = 60 * time.Second

// Response is a correlated reply.
type Response struct {
	CorrelationID string
	Envelope      Envelope
	Payload       []byte
	Metadata      metadatapkg.Metadata
}

// TimeoutError is returned when no response arrived in time.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: correlation id %s after %s", errspkg.ErrCorrelationTimeout, e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return errspkg.ErrCorrelationTimeout }

// PendingStore holds the requests waiting for a response. It is safe for
// concurrent publishers and the listener.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]chan Response)}
}

// Insert registers id and returns the channel its response is delivered on.
func (s *PendingStore) Insert(id string) (<-chan Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrCorrelatorClosed
	}
	if _, dup := s.pending[id]; dup {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateCorrelationID, id)
	}
	ch := make(chan Response, 1)
	s.pending[id] = ch
	return ch, nil
}

// Resolve delivers resp to the waiter for id and removes it. It reports
// false when nothing is waiting.
func (s *PendingStore) Resolve(id string, resp Response) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	close(ch)
	return true
}

// Evict removes id without resolving it.
func (s *PendingStore) Evict(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		close(ch)
	}
	return ok
}

// Has reports whether id is pending.
func (s *PendingStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close releases every waiter and rejects further inserts.
func (s *PendingStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// CorrelatorConfig tunes a Correlator.
type CorrelatorConfig struct {
	// ResponseTopic is read by Listen.
	ResponseTopic string
	// CorrelationField names the envelope field carrying the id.
	CorrelationField string
	// Timeout is the default wait used by Request. A published id nobody
	// awaits is evicted once it elapses.
	Timeout time.Duration
}

// Correlator pairs published requests with responses read from the
// response topic.
type Correlator struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	cfg        CorrelatorConfig
	store      *PendingStore
	logger     loggingpkg.ServiceLogger

	// OnPendingChange, when set, receives the pending count after every change.
	OnPendingChange func(int)

	mu      sync.Mutex
	waiters map[string]waiter

	listening atomic.Bool
	closed    atomic.Bool
	ready     chan struct{}
}

// NewCorrelator publishes through publisher and listens on subscriber.
func NewCorrelator(publisher message.Publisher, subscriber message.Subscriber, cfg CorrelatorConfig, logger loggingpkg.ServiceLogger) (*Correlator, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if cfg.ResponseTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.CorrelationField == "" {
		cfg.CorrelationField = metadatapkg.KeyCorrelationID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResponseTimeout
	}
	return &Correlator{
		publisher:  publisher,
		subscriber: subscriber,
		cfg:        cfg,
		store:      NewPendingStore(),
		waiters:    make(map[string]waiter),
		logger:     loggingpkg.OrNop(logger).With(loggingpkg.LogFields{"component": "correlator"}),
		ready:      make(chan struct{}),
	}, nil
}

// Pending exposes the pending store.
func (c *Correlator) Pending() *PendingStore { return c.store }

// Ready is closed once the listener is subscribed.
func (c *Correlator) Ready() <-chan struct{} { return c.ready }

// waiter is a published id not yet claimed by AwaitResponse. expiry evicts it
// when nobody claims it in time.
type waiter struct {
	ch     <-chan Response
	expiry *time.Timer
}

// Publish sends env to topic under a correlation id and returns the id. A
// caller-supplied id in env is kept; otherwise one is generated. The pending
// entry exists before the message reaches the broker and is evicted after the
// configured timeout unless AwaitResponse claims it first.
func (c *Correlator) Publish(ctx context.Context, topic string, env Envelope) (string, error) {
	if c.closed.Load() {
		return "", errspkg.ErrCorrelatorClosed
	}
	out := env.Clone()
	id := out.GetString(c.cfg.CorrelationField)
	if id == "" {
		id = idspkg.NewCorrelationID()
		out[c.cfg.CorrelationField] = id
	}

	ch, err := c.store.Insert(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.waiters[id] = waiter{ch: ch, expiry: time.AfterFunc(c.cfg.Timeout, func() { c.expire(id) })}
	c.mu.Unlock()
	c.pendingChanged()

	md := metadatapkg.New(metadatapkg.KeyCorrelationID, id)
	if err := PublishEnvelope(ctx, c.publisher, topic, out, c.cfg.CorrelationField, md); err != nil {
		c.takeWaiter(id)
		c.evict(id)
		return "", fmt.Errorf("publish request %s: %w", id, err)
	}
	c.logger.Debug("Request published", loggingpkg.LogFields{"correlation_id": id, "topic": topic})
	return id, nil
}

// AwaitResponse blocks until the response for id arrives, timeout elapses or
// ctx ends. On timeout the entry is evicted and a *TimeoutError returned.
func (c *Correlator) AwaitResponse(ctx context.Context, id string, timeout time.Duration) (Response, error) {
	ch := c.takeWaiter(id)
	if ch == nil {
		return Response{}, fmt.Errorf("%w: %s is not pending", errspkg.ErrCorrelationIDMissing, id)
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, errspkg.ErrCorrelatorClosed
		}
		return resp, nil
	case <-timer.C:
		if resp, ok := c.abandon(id, ch); ok {
			return resp, nil
		}
		return Response{}, &TimeoutError{CorrelationID: id, Timeout: timeout}
	case <-ctx.Done():
		if resp, ok := c.abandon(id, ch); ok {
			return resp, nil
		}
		return Response{}, ctx.Err()
	}
}

// abandon evicts id. When the listener resolved it first, the response is
// returned instead.
func (c *Correlator) abandon(id string, ch <-chan Response) (Response, bool) {
	if c.evict(id) {
		return Response{}, false
	}
	resp, ok := <-ch
	return resp, ok
}

// Request publishes env and waits for its response using the configured
// timeout.
func (c *Correlator) Request(ctx context.Context, topic string, env Envelope) (Response, error) {
	id, err := c.Publish(ctx, topic, env)
	if err != nil {
		return Response{}, err
	}
	return c.AwaitResponse(ctx, id, c.cfg.Timeout)
}

// Listen reads the response topic until ctx ends, resolving pending entries.
// Unknown or late responses are discarded.
func (c *Correlator) Listen(ctx context.Context) error {
	if !c.listening.CompareAndSwap(false, true) {
		return errors.New("correlator: already listening")
	}
	msgs, err := c.subscriber.Subscribe(ctx, c.cfg.ResponseTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.ResponseTopic, err)
	}
	close(c.ready)
	c.logger.Info("Listening for responses", loggingpkg.LogFields{"topic": c.cfg.ResponseTopic})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			msg.Ack()
			c.handleResponse(msg)
		}
	}
}

func (c *Correlator) handleResponse(msg *message.Message) {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		c.logger.Error("Discarding undecodable response", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		return
	}
	id := env.GetString(c.cfg.CorrelationField)
	if id == "" {
		id = msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	}
	if id == "" {
		c.logger.Debug("Discarding response without correlation id", loggingpkg.LogFields{"message_uuid": msg.UUID})
		return
	}

	resolved := c.store.Resolve(id, Response{
		CorrelationID: id,
		Envelope:      env,
		Payload:       msg.Payload,
		Metadata:      metadatapkg.FromWatermill(msg.Metadata),
	})
	if !resolved {
		c.logger.Debug("Discarding response with no pending request", loggingpkg.LogFields{"correlation_id": id})
		return
	}
	c.pendingChanged()
}

// Close releases every waiter. Further publishes fail.
func (c *Correlator) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.Close()
		c.mu.Lock()
		for _, w := range c.waiters {
			w.expiry.Stop()
		}
		c.waiters = make(map[string]waiter)
		c.mu.Unlock()
		c.pendingChanged()
	}
	return nil
}

func (c *Correlator) takeWaiter(id string) <-chan Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[id]
	if !ok {
		return nil
	}
	delete(c.waiters, id)
	w.expiry.Stop()
	return w.ch
}

// expire drops an id that was published but never awaited.
func (c *Correlator) expire(id string) {
	c.mu.Lock()
	_, ok := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()
	if ok && c.evict(id) {
		c.logger.Debug("Evicted unawaited request", loggingpkg.LogFields{"correlation_id": id, "timeout": c.cfg.Timeout})
	}
}

func (c *Correlator) evict(id string) bool {
	if !c.store.Evict(id) {
		return false
	}
	c.pendingChanged()
	return true
}

func (c *Correlator) pendingChanged() {
	if c.OnPendingChange != nil {
		c.OnPendingChange(c.store.Len())
	}
}
