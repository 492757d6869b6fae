package agentflow

import (
	"github.com/drblury/agentflow/internal/delivery"
	"github.com/drblury/agentflow/internal/graph"
	"github.com/drblury/agentflow/internal/pipelines"
	"github.com/drblury/agentflow/internal/retry"
	runtimepkg "github.com/drblury/agentflow/internal/runtime"
	configpkg "github.com/drblury/agentflow/internal/runtime/config"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	idspkg "github.com/drblury/agentflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/agentflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/agentflow/internal/runtime/transport"
	newtransport "github.com/drblury/agentflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	// Workflow graph
	State           = graph.State
	Update          = graph.Update
	ComputeFunc     = graph.ComputeFunc
	Node            = graph.Node
	Edge            = graph.Edge
	Route           = graph.Route
	Selector        = graph.Selector
	Schema          = graph.Schema
	Field           = graph.Field
	FieldPolicy     = graph.FieldPolicy
	CompiledGraph   = graph.CompiledGraph
	Executor        = graph.Executor
	RunContext      = graph.RunContext
	RunCallbacks    = graph.Callbacks
	NodeEvent       = graph.NodeEvent
	RunEvent        = graph.RunEvent
	GraphError      = graph.GraphError
	NodeError       = graph.NodeError
	RetrySpec       = graph.RetrySpec
	RetryPolicy     = retry.Policy
	Verdict         = retry.Verdict
	Outcome         = retry.Outcome
	ExhaustedError  = retry.ExhaustedError
	FatalError      = retry.FatalError
	Computes        = pipelines.Computes
	PipelineOptions = pipelines.Options
	Catalog         = pipelines.Catalog
	ChatMessage     = pipelines.Message

	// Messaging
	Envelope         = runtimepkg.Envelope
	Response         = runtimepkg.Response
	TimeoutError     = runtimepkg.TimeoutError
	Correlator       = runtimepkg.Correlator
	CorrelatorConfig = runtimepkg.CorrelatorConfig
	PendingStore     = runtimepkg.PendingStore
	Dispatcher       = runtimepkg.Dispatcher
	DispatcherConfig = runtimepkg.DispatcherConfig
	DispatchRoute    = runtimepkg.Route
	Workers          = runtimepkg.Workers

	// Delivery
	Partial           = delivery.Partial
	PartialStore      = delivery.Store
	Deliverer         = delivery.Deliverer
	Aggregator        = delivery.Aggregator
	Synthesizer       = delivery.Synthesizer
	WebhookConfig     = delivery.WebhookConfig
	WebhookClient     = delivery.WebhookClient
	ReplyPayload      = delivery.ReplyPayload
	SuggestionPayload = delivery.SuggestionPayload
	DeliveryError     = delivery.DeliveryError
	PostgresConfig    = delivery.PostgresConfig

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerStats    = runtimepkg.HandlerStats
	HandlerSnapshot = runtimepkg.HandlerSnapshot
	Metrics         = runtimepkg.Metrics

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService      = runtimepkg.NewService
	DefaultConfig   = configpkg.Default
	LoadConfig      = configpkg.Load
	ValidateConfig  = configpkg.ValidateConfig
	NewPipelineOpts = runtimepkg.PipelineOptions

	// Workflow graph
	NewSchema       = graph.NewSchema
	Compile         = graph.Compile
	WithGraphName   = graph.WithName
	Direct          = graph.Direct
	Conditional     = graph.Conditional
	Continue        = graph.Continue
	Terminate       = graph.Terminate
	NewExecutor     = graph.NewExecutor
	NewRunContext   = graph.NewRunContext
	NewCatalog      = pipelines.NewCatalog
	LookupPipeline  = pipelines.Lookup
	CleanReplies    = runtimepkg.CleanReplies
	SplitReply      = pipelines.SplitReply
	DefaultRetry    = retry.DefaultPolicy
	ConstantRetry   = retry.ConstantPolicy
	Success         = retry.Success
	Retryable       = retry.Retryable
	Fatal           = retry.Fatal
	PhraseFallback  = retry.PhraseClassifier
	TextValidator   = retry.TextValidator
	ErrGraphFailure = graph.ErrGraphExecution
	ErrExhausted    = retry.ErrExhausted
	ErrFatal        = retry.ErrFatal

	// Messaging
	NewDispatcher      = runtimepkg.NewDispatcher
	NewCorrelator      = runtimepkg.NewCorrelator
	NewPendingStore    = runtimepkg.NewPendingStore
	DecodeEnvelope     = runtimepkg.DecodeEnvelope
	NewEnvelopeMessage = runtimepkg.NewEnvelopeMessage
	PublishEnvelope    = runtimepkg.PublishEnvelope

	// Delivery
	NewAggregator      = delivery.NewAggregator
	NewMemoryStore     = delivery.NewMemoryStore
	NewPostgresStore   = delivery.NewPostgresStore
	NewWebhookClient   = delivery.NewWebhookClient
	NewReplyPayload    = delivery.NewReplyPayload
	SuggestionFailure  = delivery.SuggestionFailure
	ErrDeliveryFailed  = delivery.ErrDeliveryFailed
	DefaultMiddlewares = runtimepkg.DefaultMiddlewares

	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware     = runtimepkg.JobHooksMiddleware
	ServiceHooksMiddleware = runtimepkg.ServiceHooksMiddleware
	LoggingHooks           = runtimepkg.LoggingHooks
	MetricsHooks           = runtimepkg.MetricsHooks
	AlertingHooks          = runtimepkg.AlertingHooks

	NewMetrics             = runtimepkg.NewMetrics
	NewMetricsWith         = runtimepkg.NewMetricsWith
	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier

	// Modular transport registry
	// Import individual transports via: _ "github.com/drblury/agentflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired        = errspkg.ErrServiceRequired
	ErrHandlerRequired        = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired    = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired      = errspkg.ErrPublisherRequired
	ErrSubscriberRequired     = errspkg.ErrSubscriberRequired
	ErrTopicRequired          = errspkg.ErrTopicRequired
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrCorrelationTimeout     = errspkg.ErrCorrelationTimeout
	ErrDuplicateCorrelationID = errspkg.ErrDuplicateCorrelationID
	ErrEnvelopeInvalid        = errspkg.ErrEnvelopeInvalid
	ErrWorkflowUnavailable    = errspkg.ErrWorkflowUnavailable
	ErrDuplicateTopicHandler  = errspkg.ErrDuplicateTopicHandler
	ErrDispatcherRunning      = errspkg.ErrDispatcherRunning
	ErrCorrelatorClosed       = errspkg.ErrCorrelatorClosed
	ErrCorrelationIDMissing   = errspkg.ErrCorrelationIDMissing

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Metadata keys carried on broker messages.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyTopic         = metadatapkg.KeyTopic
	MetadataKeyHandler       = metadatapkg.KeyHandler
	MetadataKeyWorkflow      = metadatapkg.KeyWorkflow
	MetadataKeyBatch         = metadatapkg.KeyBatch
)

// Pipeline names.
const (
	PipelineChat               = pipelines.Chat
	PipelineTopicSuggestions   = pipelines.TopicSuggestions
	PipelineMessageSuggestions = pipelines.MessageSuggestions
	PipelineRoomSuggestions    = pipelines.RoomSuggestions
	PipelineFinalRoomAnalysis  = pipelines.FinalRoomAnalysis
	PipelineRuleWizard         = pipelines.RuleWizard
)

// End is the terminal pseudo-node of a graph.
const End = graph.End

// ErrorField is the state key every graph reserves for errors.
const ErrorField = graph.ErrorField

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryWorkflow   = runtimepkg.ErrorCategoryWorkflow
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Node names a Computes map binds.
const (
	NodeSummarizeContent           = pipelines.NodeSummarizeContent
	NodeGetRoomInfo                = pipelines.NodeGetRoomInfo
	NodeSlangAnalysis              = pipelines.NodeSlangAnalysis
	NodeOrchestrator               = pipelines.NodeOrchestrator
	NodePersonalize                = pipelines.NodePersonalize
	NodeValidator                  = pipelines.NodeValidator
	NodeSpeechValidator            = pipelines.NodeSpeechValidator
	NodeGenerateTopicSuggestions   = pipelines.NodeGenerateTopicSuggestions
	NodeGenerateMessageSuggestions = pipelines.NodeGenerateMessageSuggestions
	NodeAnalyzeMainTopic           = pipelines.NodeAnalyzeMainTopic
	NodeGenerateRoomSuggestion     = pipelines.NodeGenerateRoomSuggestion
	NodeAnalyzeRoomSuggestions     = pipelines.NodeAnalyzeRoomSuggestions
	NodeRuleCreationWizard         = pipelines.NodeRuleCreationWizard
)
