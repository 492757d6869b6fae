package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaAlwaysDeclaresErrorField(t *testing.T) {
	s, err := NewSchema(Field{Name: "answer", Policy: Append})
	require.NoError(t, err)

	p, ok := s.Policy(ErrorField)
	require.True(t, ok)
	assert.Equal(t, Overwrite, p)
	assert.Equal(t, []Field{{Name: "answer", Policy: Append}, {Name: ErrorField, Policy: Overwrite}}, s.Fields())
}

func TestNewSchemaRejectsBadFields(t *testing.T) {
	cases := map[string][]Field{
		"empty name":      {{Name: ""}},
		"duplicate":       {{Name: "a"}, {Name: "a", Policy: Append}},
		"unknown policy":  {{Name: "a", Policy: FieldPolicy(9)}},
		"append on error": {{Name: ErrorField, Policy: Append}},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSchema(fields...)
			assert.Error(t, err)
		})
	}
}

func TestMergeAppliesPolicies(t *testing.T) {
	s, err := NewSchema(
		Field{Name: "summary"},
		Field{Name: "answer", Policy: Append},
		Field{Name: "list", Policy: Append},
	)
	require.NoError(t, err)

	st := State{"summary": "old", "answer": "Hola", "list": []string{"a"}}
	original := st["list"].([]string)

	require.NoError(t, s.merge(st, Update{"summary": "new", "answer": " mundo", "list": []string{"b", "c"}}))
	require.NoError(t, s.merge(st, Update{"list": "d"}))

	assert.Equal(t, "new", st["summary"])
	assert.Equal(t, "Hola mundo", st["answer"])
	assert.Equal(t, []string{"a", "b", "c", "d"}, st["list"])
	assert.Equal(t, []string{"a"}, original)
}

func TestMergeRejectsMismatchedAppend(t *testing.T) {
	s, err := NewSchema(Field{Name: "answer", Policy: Append}, Field{Name: "n", Policy: Append})
	require.NoError(t, err)

	assert.Error(t, s.merge(State{"answer": "x"}, Update{"answer": 3}))
	assert.Error(t, s.merge(State{"n": 1}, Update{"n": 2}))
	assert.Error(t, s.merge(State{}, Update{"unknown": 1}))
}

func TestValidateStateRejectsUndeclaredFields(t *testing.T) {
	s, err := NewSchema(Field{Name: "messages"})
	require.NoError(t, err)

	assert.NoError(t, s.validateState(State{"messages": "hi", ErrorField: ""}))
	assert.ErrorContains(t, s.validateState(State{"messages": "hi", "bogus": 1}), "bogus")
}

func TestStateAccessors(t *testing.T) {
	st := State{
		"s":     "text",
		"b":     true,
		"list":  []any{"x", 2, "y"},
		"typed": []string{"p"},
		"one":   "solo",
	}
	assert.Equal(t, "text", st.GetString("s"))
	assert.Equal(t, "", st.GetString("b"))
	assert.True(t, st.GetBool("b"))
	assert.False(t, st.GetBool("missing"))
	assert.Equal(t, []string{"x", "y"}, st.GetStrings("list"))
	assert.Equal(t, []string{"p"}, st.GetStrings("typed"))
	assert.Equal(t, []string{"solo"}, st.GetStrings("one"))
	assert.Nil(t, st.GetStrings("missing"))
}

func TestProjectKeepsErrorField(t *testing.T) {
	st := State{"a": 1, "b": 2, ErrorField: "boom"}
	assert.Equal(t, State{"a": 1, ErrorField: "boom"}, st.Project([]string{"a"}))
	assert.Equal(t, st, st.Project(nil))
}
