package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/agentflow/internal/delivery"
	"github.com/drblury/agentflow/internal/graph"
	"github.com/drblury/agentflow/internal/pipelines"
	"github.com/drblury/agentflow/internal/retry"
	configpkg "github.com/drblury/agentflow/internal/runtime/config"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	transportpkg "github.com/drblury/agentflow/internal/runtime/transport"
)

// metricsShutdownTimeout bounds the graceful stop of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields fall back to the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Computes binds node names to their compute functions.
	Computes                  pipelines.Computes
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     JobHooks
	// Deliverer replaces the resty webhook client.
	Deliverer delivery.Deliverer
	// Store replaces the partial-result store selected by PostgresURL.
	Store           delivery.Store
	ErrorClassifier ErrorClassifier
	// Metrics replaces the collectors created when MetricsEnabled is set.
	Metrics *Metrics
}

// Service wires the transport, the dispatcher with the worker handlers, the
// response correlator and the webhook delivery.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error

	dispatcher *Dispatcher
	correlator *Correlator
	workers    *Workers
	catalog    *pipelines.Catalog
	metrics    *Metrics
	hooks      JobHooks

	closeOnce sync.Once
	closeErr  error
}

// PipelineOptions derives the pipeline compile options from conf.
func PipelineOptions(conf *configpkg.Config) pipelines.Options {
	return pipelines.Options{
		NodeRetry: retry.Policy{
			MaxAttempts:    conf.NodeRetryMaxAttempts,
			InitialBackoff: conf.NodeRetryInitialBackoff,
			Multiplier:     retry.DefaultMultiplier,
		},
		MinOutputLength: conf.NodeMinOutputLength,
		RecursionLimit:  conf.RecursionLimit,
	}
}

// NewService builds a Service for conf. Nothing consumes until Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (_ *Service, err error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf.ApplyDefaults()
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating agent service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log, hooks: deps.Hooks}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.closers = append(s.closers, tr.Close)
	listener, dedicated, err := transportpkg.BuildResponseListener(ctx, factory, conf, tr, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build response listener: %w", err)
	}
	if dedicated {
		s.closers = append(s.closers, listener.Close)
	}

	caps := factory.Capabilities(conf)
	log.Info("Transport ready", loggingpkg.LogFields{
		"transport":         conf.PubSubSystem,
		"dedicated_replies": dedicated,
		"reliable_delivery": caps.SupportsReliableDelivery(),
	})
	if conf.PoisonQueue == "" && caps.RequiresDLQEmulation() {
		log.Info("No poison queue configured, failed messages are only logged", loggingpkg.LogFields{"transport": conf.PubSubSystem})
	}

	s.publisher, s.subscriber = tr.Publisher, tr.Subscriber
	responses := listener.Subscriber
	s.metrics = deps.Metrics
	if s.metrics == nil && conf.MetricsEnabled {
		s.metrics = NewMetrics()
	}
	if s.metrics != nil {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if s.publisher, s.subscriber, err = decorateTransport(s.metrics, conf.PubSubSystem, s.publisher, s.subscriber); err != nil {
			return nil, err
		}
	}

	s.dispatcher, err = NewDispatcher(s.subscriber, s.publisher, log, DispatcherConfig{
		MaxConcurrent:   conf.MaxConcurrentHandlers,
		ErrorClassifier: deps.ErrorClassifier,
	})
	if err != nil {
		return nil, err
	}
	s.correlator, err = NewCorrelator(s.publisher, responses, CorrelatorConfig{
		ResponseTopic:    conf.ResponseTopic,
		CorrelationField: conf.CorrelationField,
		Timeout:          conf.ResponseTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.correlator.Close)

	store := deps.Store
	if store == nil {
		if store, err = newPartialStore(ctx, conf); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
	}
	deliverer := deps.Deliverer
	if deliverer == nil {
		client := delivery.NewWebhookClient(delivery.WebhookConfig{
			BearerToken: conf.WebhookBearerToken,
			Timeout:     conf.WebhookTimeout,
		}, log)
		s.closers = append(s.closers, client.Close)
		deliverer = client
	}

	var callbacks graph.Callbacks
	if s.metrics != nil {
		s.correlator.OnPendingChange = s.metrics.SetPending
		callbacks = s.metrics.GraphCallbacks()
	}
	s.catalog = pipelines.NewCatalog(deps.Computes, PipelineOptions(conf))
	s.workers, err = NewWorkers(WorkersConfig{
		Conf:      conf,
		Catalog:   s.catalog,
		Deliverer: deliverer,
		Store:     store,
		Callbacks: callbacks,
		Metrics:   s.metrics,
		Publisher: s.publisher,
	}, log)
	if err != nil {
		return nil, err
	}
	for _, route := range s.workers.Routes() {
		if route.Topic == "" {
			continue
		}
		if err := s.dispatcher.Handle(route); err != nil {
			return nil, fmt.Errorf("register %s: %w", route.Name, err)
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

func newPartialStore(ctx context.Context, conf *configpkg.Config) (delivery.Store, error) {
	if conf.PostgresURL == "" {
		return delivery.NewMemoryStore(), nil
	}
	store, err := delivery.NewPostgresStore(ctx, delivery.PostgresConfig{ConnectionString: conf.PostgresURL})
	if err != nil {
		return nil, fmt.Errorf("open partial store: %w", err)
	}
	return store, nil
}

// decorateTransport wraps the publisher and subscriber with watermill's
// Prometheus metrics.
func decorateTransport(m *Metrics, system string, pub message.Publisher, sub message.Subscriber) (message.Publisher, message.Subscriber, error) {
	builder := metrics.NewPrometheusMetricsBuilder(m.Registerer(), metricsNamespace, system)
	dpub, err := builder.DecoratePublisher(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("decorate publisher: %w", err)
	}
	dsub, err := builder.DecorateSubscriber(sub)
	if err != nil {
		return nil, nil, fmt.Errorf("decorate subscriber: %w", err)
	}
	return dpub, dsub, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// jobHooks merges the logging hooks, the metrics hooks and the caller's hooks.
func (s *Service) jobHooks() JobHooks {
	hooks := LoggingHooks(s.Logger)
	if s.metrics != nil {
		hooks = hooks.Merge(s.metrics.JobHooks())
	}
	return hooks.Merge(s.hooks)
}

// Start consumes the request topics, listens for correlated responses and,
// when metrics are enabled, serves them on MetricsPort. It blocks until ctx
// is cancelled and every in-flight handler has finished.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if len(s.dispatcher.Topics()) > 0 {
		g.Go(func() error { return s.dispatcher.Run(gctx) })
	}
	g.Go(func() error { return s.correlator.Listen(gctx) })
	if s.metrics != nil && s.Conf.MetricsPort > 0 {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}
	s.Logger.Info("Agent service started", loggingpkg.LogFields{"topics": s.dispatcher.Topics()})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Conf.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.Logger.Info("Starting metrics server", loggingpkg.LogFields{"address": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Request publishes env to topic and waits up to ResponseTimeout for the
// correlated response.
func (s *Service) Request(ctx context.Context, topic string, env Envelope) (Response, error) {
	return s.correlator.Request(ctx, topic, env)
}

// Publish sends env to topic without waiting for a response.
func (s *Service) Publish(ctx context.Context, topic string, env Envelope) error {
	return PublishEnvelope(ctx, s.publisher, topic, env, s.Conf.CorrelationField, nil)
}

// RunWorkflow runs a pipeline in-process, bypassing the broker.
func (s *Service) RunWorkflow(ctx context.Context, pipeline, correlationID string, initial graph.State) (graph.State, error) {
	return s.workers.Run(ctx, pipeline, correlationID, initial)
}

// Stats returns a snapshot per registered handler.
func (s *Service) Stats() []HandlerSnapshot {
	return s.dispatcher.Stats()
}

// Correlator exposes the response correlator.
func (s *Service) Correlator() *Correlator { return s.correlator }

// Catalog exposes the compiled pipeline cache.
func (s *Service) Catalog() *pipelines.Catalog { return s.catalog }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Close releases broker connections, the store and the webhook client in
// reverse construction order.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			errs = append(errs, s.closers[i]())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
