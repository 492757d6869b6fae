package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/agentflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	t.Cleanup(func() { transport.DefaultRegistry = original })
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.NeedsDedicatedSubscriber())
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestQueueNameGenerator(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:chat-responses")

	name, err := QueueNameGenerator("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "chat-responses", name)

	name, err = QueueNameGenerator("agentflow-responses")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "chat-responses-agentflow-responses", name)
}

func TestResolveAccountID(t *testing.T) {
	assert.Equal(t, "123456789012", resolveAccountID(`"123456789012"`, false))
	assert.Equal(t, "", resolveAccountID("", false))
	assert.Equal(t, localstackAccountID, resolveAccountID("", true))
	assert.Equal(t, localstackAccountID, resolveAccountID("bogus", true))
	assert.Equal(t, "123456789012", resolveAccountID("123456789012", true))
}

func TestBuild(t *testing.T) {
	t.Run("wires region, credentials, endpoint and queue names", func(t *testing.T) {
		stubFactories(t)
		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		DefaultConfigLoader = func(_ context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			assert.Len(t, opts, 2)
			return aws.Config{}, nil
		}
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			assert.Equal(t, localstackAccountID, accountID)
			assert.Equal(t, "eu-west-1", region)
			return &sns.GenerateArnTopicResolver{}, nil
		}
		PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "eu-west-1", cfg.AWSConfig.Region)
			assert.Len(t, cfg.OptFns, 1)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Len(t, cfg.OptFns, 1)
			assert.Len(t, sqsCfg.OptFns, 1)
			name, err := cfg.GenerateSqsQueueName(context.Background(), "arn:aws:sns:eu-west-1:000000000000:replies")
			require.NoError(t, err)
			assert.Equal(t, "replies-workers", name)
			return mockSub, nil
		}

		cfg := &mockConfig{
			awsRegion:     "eu-west-1",
			awsAccessKey:  "test",
			awsSecretKey:  "test",
			awsEndpoint:   "http://localhost:4566",
			consumerGroup: "workers",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, mockPub, tr.Publisher)
		assert.Same(t, mockSub, tr.Subscriber)
	})

	t.Run("rejects a relative endpoint", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &mockConfig{awsEndpoint: "localhost"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "not an absolute URL")
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no credentials")
		}
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("returns error when topic resolver fails", func(t *testing.T) {
		stubFactories(t)
		TopicResolverFactory = func(string, string) (*sns.GenerateArnTopicResolver, error) {
			return nil, errors.New("bad region")
		}
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "create SNS topic resolver: bad region")
	})

	t.Run("closes the publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &mockPublisher{}
		PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func stubFactories(t *testing.T) {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(string, string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	}
}

type mockConfig struct {
	awsRegion     string
	awsAccountID  string
	awsAccessKey  string
	awsSecretKey  string
	awsEndpoint   string
	consumerGroup string
}

func (m *mockConfig) GetPubSubSystem() string       { return "aws" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return m.consumerGroup }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKey }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
