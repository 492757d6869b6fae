package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Header keys carried on broker messages.
const (
	KeyCorrelationID = "correlation_id"
	KeyTopic         = "agentflow_topic"
	KeyHandler       = "agentflow_handler"
	KeyWorkflow      = "agentflow_workflow"
	KeyBatch         = "agentflow_batch"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation header, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// Propagate copies the correlation and batch headers from an inbound message
// onto an outbound one.
func Propagate(from, to *message.Message) {
	for _, key := range []string{KeyCorrelationID, KeyBatch, KeyWorkflow} {
		if v := from.Metadata.Get(key); v != "" && to.Metadata.Get(key) == "" {
			to.Metadata.Set(key, v)
		}
	}
}
