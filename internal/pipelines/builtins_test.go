package pipelines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/agentflow/internal/graph"
)

func TestSplitReply(t *testing.T) {
	tests := []struct {
		name  string
		state graph.State
		want  []string
	}{
		{
			name:  "fenced json array",
			state: graph.State{FieldAnswer: "```json\n[\"uno\", \"dos\"]\n```"},
			want:  []string{"uno", "dos"},
		},
		{
			name:  "label and embedded array",
			state: graph.State{FieldAnswer: "Final Answer: aquí va [\"hola\", \" \", \"chau\"] listo"},
			want:  []string{"hola", "chau"},
		},
		{
			name:  "plain text",
			state: graph.State{FieldAnswer: "Respuesta: nos vemos mañana"},
			want:  []string{"nos vemos mañana"},
		},
		{
			name:  "final answer wins",
			state: graph.State{FieldAnswer: "borrador", FieldFinalAnswer: "[\"versión final\"]"},
			want:  []string{"versión final"},
		},
		{
			name:  "non string elements are encoded",
			state: graph.State{FieldAnswer: "[{\"a\":1}, null, \"b\"]"},
			want:  []string{"{\"a\":1}", "b"},
		},
		{
			name:  "empty",
			state: graph.State{},
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd, err := SplitReply(context.Background(), tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, upd[FieldListMessage])
		})
	}
}

func TestMessageTextsAcceptsDecodedShapes(t *testing.T) {
	tests := []struct {
		name     string
		messages any
		want     []string
	}{
		{"typed", []Message{{Content: "a"}, {Content: "b"}}, []string{"a", "b"}},
		{"maps", []map[string]any{{"content": "a"}, {"role": "user"}}, []string{"a"}},
		{"decoded json", []any{map[string]any{"content": "a"}, "b", 3}, []string{"a", "b"}},
		{"strings", []string{"a"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MessageTexts(graph.State{FieldMessages: tt.messages}))
		})
	}
}

func TestFrequentWordsSkipsStopwordsAndNumbers(t *testing.T) {
	got := rank(frequentWords("El viaje de 2024 y el viaje de nuevo"), topWords)
	assert.Equal(t, []Count{{Token: "viaje", Count: 2}, {Token: "nuevo", Count: 1}}, got)
}

func TestRankLimitsAndKeepsFirstSeenOrderOnTies(t *testing.T) {
	got := rank([]string{"b", "a", "c", "a", "b"}, 2)
	assert.Equal(t, []Count{{Token: "b", Count: 2}, {Token: "a", Count: 2}}, got)
}

func TestCounterWithoutMessages(t *testing.T) {
	upd, err := Builtins()[NodeExtractFrequentEmojis](context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, []Count{}, upd[FieldFrequentEmojis])
}
