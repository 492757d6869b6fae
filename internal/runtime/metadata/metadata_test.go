package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, len(original))
}

func TestWithAndNew(t *testing.T) {
	md := New(KeyCorrelationID, "c-1", "dangling")
	assert.Equal(t, Metadata{KeyCorrelationID: "c-1"}, md)

	next := md.With(KeyBatch, "b-7")
	assert.Equal(t, "b-7", next[KeyBatch])
	_, leaked := md[KeyBatch]
	assert.False(t, leaked)
	assert.Equal(t, "c-1", next.CorrelationID())
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(Metadata{KeyTopic: "agent-chat"})
	assert.Equal(t, "agent-chat", wm.Get(KeyTopic))

	back := FromWatermill(wm)
	assert.Equal(t, "agent-chat", back[KeyTopic])
	assert.Empty(t, FromWatermill(nil))
}

func TestPropagateKeepsExistingHeaders(t *testing.T) {
	in := message.NewMessage("in", nil)
	in.Metadata.Set(KeyCorrelationID, "c-1")
	in.Metadata.Set(KeyBatch, "b-1")

	out := message.NewMessage("out", nil)
	out.Metadata.Set(KeyBatch, "b-2")

	Propagate(in, out)

	assert.Equal(t, "c-1", out.Metadata.Get(KeyCorrelationID))
	assert.Equal(t, "b-2", out.Metadata.Get(KeyBatch))
}
