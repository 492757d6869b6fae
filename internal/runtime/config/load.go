package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML file, applies environment overrides, fills
// defaults and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"PUBSUB_SYSTEM":               &c.PubSubSystem,
		"KAFKA_CLIENT_ID":             &c.KafkaClientID,
		"KAFKA_CONSUMER_GROUP":        &c.ConsumerGroup,
		"KAFKA_RESPONSE_GROUP":        &c.ResponseConsumerGroup,
		"KAFKA_AGENT_TOPIC":           &c.ChatTopic,
		"KAFKA_ANALYTICS_TOPIC":       &c.AnalyticsTopic,
		"KAFKA_ROOM_SUGGESTION_TOPIC": &c.RoomSuggestionTopic,
		"KAFKA_AGENT_RESPONSE_TOPIC":  &c.ResponseTopic,
		"POISON_QUEUE":                &c.PoisonQueue,
		"RABBITMQ_URL":                &c.RabbitMQURL,
		"NATS_URL":                    &c.NATSURL,
		"HTTP_SERVER_ADDRESS":         &c.HTTPServerAddress,
		"HTTP_PUBLISHER_URL":          &c.HTTPPublisherURL,
		"AWS_REGION":                  &c.AWSRegion,
		"AWS_ACCOUNT_ID":              &c.AWSAccountID,
		"AWS_ACCESS_KEY_ID":           &c.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY":       &c.AWSSecretAccessKey,
		"AWS_ENDPOINT":                &c.AWSEndpoint,
		"CORRELATION_FIELD":           &c.CorrelationField,
		"WEBHOOK_URL":                 &c.WebhookURL,
		"WEBHOOK_URL_ROOM_SUGGESTION": &c.WebhookRoomSuggestionURL,
		"WEBHOOK_BEARER_TOKEN":        &c.WebhookBearerToken,
		"POSTGRES_URL":                &c.PostgresURL,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("KAFKA_BROKER_URL"); ok && v != "" {
		c.KafkaBrokers = splitList(v, ",")
	}
	// Phrases may contain commas.
	if v, ok := lookup("FAILURE_PHRASES"); ok && v != "" {
		c.FailurePhrases = splitList(v, "|")
	}

	ints := map[string]*int{
		"MAX_CONCURRENT_HANDLERS":     &c.MaxConcurrentHandlers,
		"RECURSION_LIMIT":             &c.RecursionLimit,
		"NODE_RETRY_MAX_ATTEMPTS":     &c.NodeRetryMaxAttempts,
		"NODE_MIN_OUTPUT_LENGTH":      &c.NodeMinOutputLength,
		"WORKFLOW_RETRY_MAX_ATTEMPTS": &c.WorkflowRetryMaxAttempts,
		"METRICS_PORT":                &c.MetricsPort,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"NODE_RETRY_INITIAL_BACKOFF": &c.NodeRetryInitialBackoff,
		"WORKFLOW_RETRY_DELAY":       &c.WorkflowRetryDelay,
		"RESPONSE_TIMEOUT":           &c.ResponseTimeout,
		"WEBHOOK_TIMEOUT":            &c.WebhookTimeout,
		"REPLY_PACING":               &c.ReplyPacing,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	return nil
}

func splitList(v, sep string) []string {
	parts := strings.Split(v, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
