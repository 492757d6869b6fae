package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, State) (Update, error) { return nil, nil }

func mustSchema(t *testing.T, fields ...Field) *Schema {
	t.Helper()
	s, err := NewSchema(fields...)
	require.NoError(t, err)
	return s
}

func TestCompileValidatesGraph(t *testing.T) {
	schema := mustSchema(t, Field{Name: "a"}, Field{Name: "b"})
	always := func(State) Route { return Terminate() }

	cases := []struct {
		name    string
		nodes   []Node
		edges   []Edge
		entries []string
		want    string
	}{
		{
			name:    "missing compute",
			nodes:   []Node{{Name: "x"}},
			entries: []string{"x"},
			want:    "compute function is required",
		},
		{
			name:    "reserved name",
			nodes:   []Node{{Name: End, Compute: noop}},
			entries: []string{End},
			want:    "reserved",
		},
		{
			name:    "duplicate node",
			nodes:   []Node{{Name: "x", Compute: noop}, {Name: "x", Compute: noop}},
			entries: []string{"x"},
			want:    "declared twice",
		},
		{
			name:    "undeclared output",
			nodes:   []Node{{Name: "x", Compute: noop, Outputs: []string{"zzz"}}},
			entries: []string{"x"},
			want:    `output field "zzz"`,
		},
		{
			name:    "undeclared input",
			nodes:   []Node{{Name: "x", Compute: noop, Inputs: []string{"zzz"}}},
			entries: []string{"x"},
			want:    `input field "zzz"`,
		},
		{
			name:    "retry default outside outputs",
			nodes:   []Node{{Name: "x", Compute: noop, Outputs: []string{"a"}, Retry: &RetrySpec{Default: Update{"b": 1}}}},
			edges:   []Edge{Direct("x", End)},
			entries: []string{"x"},
			want:    "retry default",
		},
		{
			name:  "no entries",
			nodes: []Node{{Name: "x", Compute: noop}},
			want:  "entry node is required",
		},
		{
			name:    "unknown entry",
			nodes:   []Node{{Name: "x", Compute: noop}},
			entries: []string{"y"},
			want:    "entry node is not declared",
		},
		{
			name:    "unknown edge target",
			nodes:   []Node{{Name: "x", Compute: noop}},
			edges:   []Edge{Direct("x", "y")},
			entries: []string{"x"},
			want:    `edge target "y"`,
		},
		{
			name:    "two conditional edges",
			nodes:   []Node{{Name: "x", Compute: noop}},
			edges:   []Edge{Conditional("x", always), Conditional("x", always)},
			entries: []string{"x"},
			want:    "more than one conditional edge",
		},
		{
			name:    "unknown conditional target",
			nodes:   []Node{{Name: "x", Compute: noop}},
			edges:   []Edge{Conditional("x", always, "nope")},
			entries: []string{"x"},
			want:    `conditional target "nope"`,
		},
		{
			name:    "dead end",
			nodes:   []Node{{Name: "x", Compute: noop}, {Name: "y", Compute: noop}},
			edges:   []Edge{Direct("x", "y")},
			entries: []string{"x"},
			want:    "cannot reach",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(schema, tc.nodes, tc.edges, tc.entries)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrGraphExecution)
			var ge *GraphError
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, CodeInvalidGraph, ge.Code)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCompileRecordsJoinPredecessors(t *testing.T) {
	schema := mustSchema(t)
	g, err := Compile(schema,
		[]Node{{Name: "a", Compute: noop}, {Name: "b", Compute: noop}, {Name: "join", Compute: noop}},
		[]Edge{Direct("a", "join"), Direct("b", "join"), Direct("join", End)},
		[]string{"a", "b"},
		WithName("fan-in"),
	)
	require.NoError(t, err)

	assert.Equal(t, "fan-in", g.Name())
	assert.Equal(t, []string{"a", "b"}, g.Entries())
	assert.Equal(t, []string{"a", "b", "join"}, g.Nodes())
	assert.Equal(t, []string{"a", "b"}, g.Predecessors("join"))
	assert.Contains(t, g.String(), "3 nodes")
}

func TestConditionalSourceAlwaysReachesEnd(t *testing.T) {
	schema := mustSchema(t)
	_, err := Compile(schema,
		[]Node{{Name: "loop", Compute: noop}},
		[]Edge{Conditional("loop", func(State) Route { return Continue("loop") }, "loop")},
		[]string{"loop"},
	)
	assert.NoError(t, err)
}

func TestRouteAccessors(t *testing.T) {
	next, ok := Continue("n").Next()
	assert.Equal(t, "n", next)
	assert.True(t, ok)
	_, ok = Terminate().Next()
	assert.False(t, ok)
	assert.Equal(t, "continue(n)", Continue("n").String())
	assert.Equal(t, "terminate", Terminate().String())
}
