package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	idspkg "github.com/drblury/agentflow/internal/runtime/ids"
	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/agentflow/runtime"

// MiddlewareBuilder constructs a handler middleware from the service.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration names a middleware or the builder producing it. A
// builder may return nil to skip registration.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		PoisonQueueMiddleware(nil),
		TracerMiddleware(),
		ServiceHooksMiddleware(),
		LogMessagesMiddleware(nil),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware makes sure every message carries a correlation
// header, taken from the envelope's correlation field or generated.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return correlationIDMiddleware(s.Conf.CorrelationField), nil
		},
	}
}

func correlationIDMiddleware(field string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				id := ""
				if obj, err := jsoncodec.DecodeObject(msg.Payload); err == nil {
					id, _ = jsoncodec.StringField(obj, field)
				}
				if id == "" {
					id = idspkg.NewCorrelationID()
				}
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, id)
			}
			return h(msg)
		}
	}
}

// LogMessagesMiddleware logs payload and metadata of handled messages at
// debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware(),
	}
}

func tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "HandleMessage")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.topic", msg.Metadata.Get(metadatapkg.KeyTopic)),
				attribute.String("message.handler", msg.Metadata.Get(metadatapkg.KeyHandler)),
				attribute.String("message.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)
			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

// PoisonQueueMiddleware forwards failed messages matching filter to the
// configured poison queue. It is skipped when no poison queue is set. A nil
// filter forwards every failure.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.PoisonQueue == "" {
				return nil, nil
			}
			if s.publisher == nil {
				return nil, errspkg.ErrPublisherRequired
			}
			f := filter
			if f == nil {
				f = func(err error) bool { return err != nil }
			}
			return middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, f)
		},
	}
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// ServiceHooksMiddleware runs the service's job hooks: logging, metrics when
// enabled, and any hooks passed in ServiceDependencies.
func ServiceHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(s.jobHooks()), nil
		},
	}
}

// RegisterMiddleware appends a middleware to the dispatcher chain.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	if s.dispatcher == nil {
		return errors.New("dispatcher is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}
	if mw == nil {
		return nil
	}
	return s.dispatcher.Use(mw)
}
