package errors

import sterrors "errors"

var (
	ErrServiceRequired        = sterrors.New("agentflow: service is required")
	ErrConfigRequired         = sterrors.New("agentflow: configuration is required")
	ErrLoggerRequired         = sterrors.New("agentflow: logger is required")
	ErrHandlerRequired        = sterrors.New("agentflow: handler function is required")
	ErrHandlerNameRequired    = sterrors.New("agentflow: handler name is required")
	ErrTopicRequired          = sterrors.New("agentflow: topic is required")
	ErrPublisherRequired      = sterrors.New("agentflow: publisher is required")
	ErrSubscriberRequired     = sterrors.New("agentflow: subscriber is required")
	ErrDuplicateTopicHandler  = sterrors.New("agentflow: a handler is already registered for this topic")
	ErrDispatcherRunning      = sterrors.New("agentflow: dispatcher is already running")
	ErrCorrelatorClosed       = sterrors.New("agentflow: correlator is closed")
	ErrCorrelationIDMissing   = sterrors.New("agentflow: message carries no correlation id")
	ErrDuplicateCorrelationID = sterrors.New("agentflow: correlation id is already pending")
	ErrCorrelationTimeout     = sterrors.New("agentflow: timed out waiting for correlated response")
	ErrEnvelopeInvalid        = sterrors.New("agentflow: envelope is not a JSON object")
	ErrWorkflowUnavailable    = sterrors.New("agentflow: workflow is not registered")
)
