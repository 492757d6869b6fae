package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
	idspkg "github.com/drblury/agentflow/internal/runtime/ids"
	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/agentflow/internal/runtime/metadata"
)

// Envelope is the JSON object carried by request and response messages.
type Envelope map[string]any

// DecodeEnvelope parses a message payload. Anything but a JSON object is
// rejected with ErrEnvelopeInvalid.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	obj, err := jsoncodec.DecodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrEnvelopeInvalid, err)
	}
	return Envelope(obj), nil
}

// GetString returns the named field when it holds a non-empty string.
func (e Envelope) GetString(key string) string {
	s, _ := jsoncodec.StringField(e, key)
	return s
}

// Bool returns the named field when it holds a bool.
func (e Envelope) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// Clone returns a shallow copy.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Into decodes the envelope into a typed value.
func (e Envelope) Into(v any) error {
	raw, err := jsoncodec.Marshal(e)
	if err != nil {
		return err
	}
	return jsoncodec.Unmarshal(raw, v)
}

// NewEnvelopeMessage encodes env into a message with a fresh ULID. The
// correlation header is copied from md or, failing that, from env[field].
func NewEnvelopeMessage(env Envelope, field string, md metadatapkg.Metadata) (*message.Message, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeInvalid
	}
	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		if id := env.GetString(field); id != "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, id)
		}
	}
	return msg, nil
}

// PublishEnvelope encodes env and publishes it to topic.
func PublishEnvelope(ctx context.Context, publisher message.Publisher, topic string, env Envelope, field string, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewEnvelopeMessage(env, field, md)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}
