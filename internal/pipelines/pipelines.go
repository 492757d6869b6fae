// Package pipelines declares the concrete workflow topologies. Compute
// functions are injected by name, so the same topology runs against real
// model-backed nodes in production and against stubs in tests.
package pipelines

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drblury/agentflow/internal/graph"
	"github.com/drblury/agentflow/internal/retry"
)

// Pipeline names.
const (
	Chat               = "chat"
	TopicSuggestions   = "topic_suggestions"
	MessageSuggestions = "message_suggestions"
	RoomSuggestions    = "room_suggestions"
	FinalRoomAnalysis  = "final_room_analysis"
	RuleWizard         = "rule_creation_wizard"
)

var (
	// ErrComputeMissing reports a declared node with no compute function.
	ErrComputeMissing = errors.New("pipelines: compute function missing")
	// ErrUnknownPipeline reports a pipeline name that is not defined.
	ErrUnknownPipeline = errors.New("pipelines: unknown pipeline")
)

// Computes maps node names to their compute functions.
type Computes map[string]graph.ComputeFunc

// Merge returns a copy of c overlaid with other.
func (c Computes) Merge(other Computes) Computes {
	out := make(Computes, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Options tune how definitions compile.
type Options struct {
	// NodeRetry is the policy for nodes wrapped by the retrying node wrapper.
	NodeRetry retry.Policy `json:"node_retry"`
	// MinOutputLength is the shortest generated text accepted by the wrapper.
	MinOutputLength int `json:"min_output_length"`
	// RecursionLimit is the iteration budget runs of these graphs use.
	RecursionLimit int `json:"recursion_limit"`
}

func (o Options) withDefaults() Options {
	if o.NodeRetry.MaxAttempts <= 0 {
		o.NodeRetry = retry.DefaultPolicy()
	}
	if o.MinOutputLength <= 0 {
		o.MinOutputLength = retry.DefaultMinLength
	}
	if o.RecursionLimit <= 0 {
		o.RecursionLimit = graph.DefaultRecursionLimit
	}
	return o
}

type nodeSpec struct {
	name    string
	inputs  []string
	outputs []string
	// retried nodes go through the retrying wrapper and fall back to fallback.
	retried  bool
	fallback graph.Update
}

// Definition is an uncompiled topology.
type Definition struct {
	Name    string
	nodes   []nodeSpec
	edges   []graph.Edge
	entries []string
}

// NodeNames lists the declared nodes sorted by name.
func (d Definition) NodeNames() []string {
	out := make([]string, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n.name)
	}
	sort.Strings(out)
	return out
}

// Build binds computes to the declared nodes and compiles the graph. Every
// node needs a compute function; extra entries in computes are ignored.
func (d Definition) Build(computes Computes, opts Options) (*graph.CompiledGraph, error) {
	opts = opts.withDefaults()
	schema, err := Schema()
	if err != nil {
		return nil, err
	}

	var missing []string
	nodes := make([]graph.Node, 0, len(d.nodes))
	for _, spec := range d.nodes {
		compute, ok := computes[spec.name]
		if !ok || compute == nil {
			missing = append(missing, spec.name)
			continue
		}
		node := graph.Node{
			Name:    spec.name,
			Compute: compute,
			Inputs:  spec.inputs,
			Outputs: spec.outputs,
		}
		if spec.retried {
			node.Retry = &graph.RetrySpec{
				Policy:  opts.NodeRetry,
				Valid:   answerValidator(opts.MinOutputLength),
				Default: spec.fallback,
			}
		}
		nodes = append(nodes, node)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: pipeline %s: %v", ErrComputeMissing, d.Name, missing)
	}
	return graph.Compile(schema, nodes, d.edges, d.entries, graph.WithName(d.Name))
}

func answerValidator(minLen int) func(graph.Update) bool {
	valid := retry.TextValidator(minLen, retry.DefaultSentinels...)
	return func(u graph.Update) bool {
		text, _ := u[FieldAnswer].(string)
		return valid(text)
	}
}

// RouteOrchestrator continues to personalize when the orchestrator chose it
// and terminates otherwise.
func RouteOrchestrator(st graph.State) graph.Route {
	if st.GetString(FieldNextNode) == NodePersonalize {
		return graph.Continue(NodePersonalize)
	}
	return graph.Terminate()
}

// RoutePersonalize repeats personalize while it reports failure.
func RoutePersonalize(st graph.State) graph.Route {
	if st.GetBool(FieldPersonalizeFailed) {
		return graph.Continue(NodePersonalize)
	}
	return graph.Continue(NodeValidator)
}

// Definitions returns every pipeline keyed by name.
func Definitions() map[string]Definition {
	defs := []Definition{
		chatDefinition(),
		topicSuggestionsDefinition(),
		messageSuggestionsDefinition(),
		roomSuggestionsDefinition(),
		finalRoomAnalysisDefinition(),
		ruleWizardDefinition(),
	}
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		out[d.Name] = d
	}
	return out
}

// Lookup returns the named definition.
func Lookup(name string) (Definition, error) {
	d, ok := Definitions()[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q", ErrUnknownPipeline, name)
	}
	return d, nil
}

var getRoomInfo = nodeSpec{
	name:    NodeGetRoomInfo,
	inputs:  []string{FieldRoomID},
	outputs: []string{FieldRoomDetails},
}

var replySplitter = nodeSpec{
	name:    NodeAgentReplySplitter,
	inputs:  []string{FieldAnswer, FieldFinalAnswer},
	outputs: []string{FieldListMessage},
}

func chatDefinition() Definition {
	return Definition{
		Name: Chat,
		nodes: []nodeSpec{
			{
				name:    NodeSummarizeContent,
				inputs:  []string{FieldMessages},
				outputs: []string{FieldConversationSummary, FieldQuestion, FieldAgentName},
			},
			getRoomInfo,
			{
				name:    NodeSlangAnalysis,
				inputs:  []string{FieldRoomDetails, FieldMessages},
				outputs: []string{FieldSlangContext},
			},
			{
				name:    NodeOrchestrator,
				inputs:  []string{FieldConversationSummary, FieldQuestion, FieldRoomDetails, FieldMessages},
				outputs: []string{FieldNextNode, FieldPersonalizeAgent, FieldAgentIDExecuted},
			},
			{
				name: NodePersonalize,
				inputs: []string{
					FieldConversationSummary, FieldQuestion, FieldAgentName, FieldRoomDetails,
					FieldSlangContext, FieldPersonalizeAgent, FieldMessages,
				},
				outputs:  []string{FieldAnswer, FieldPersonalizeFailed},
				retried:  true,
				fallback: graph.Update{FieldAnswer: "", FieldPersonalizeFailed: false},
			},
			{
				name:    NodeValidator,
				inputs:  []string{FieldAnswer, FieldQuestion, FieldMessages},
				outputs: []string{FieldOutcome},
			},
			{
				name:    NodeSpeechValidator,
				inputs:  []string{FieldAnswer, FieldRoomDetails, FieldPersonalizeAgent, FieldSlangContext, FieldMessages},
				outputs: []string{FieldFinalAnswer},
			},
			replySplitter,
		},
		edges: []graph.Edge{
			graph.Direct(NodeSummarizeContent, NodeSlangAnalysis),
			graph.Direct(NodeGetRoomInfo, NodeSlangAnalysis),
			graph.Direct(NodeSlangAnalysis, NodeOrchestrator),
			graph.Conditional(NodeOrchestrator, RouteOrchestrator, NodePersonalize, graph.End),
			graph.Conditional(NodePersonalize, RoutePersonalize, NodePersonalize, NodeValidator),
			graph.Direct(NodeValidator, NodeSpeechValidator),
			graph.Direct(NodeSpeechValidator, NodeAgentReplySplitter),
			graph.Direct(NodeAgentReplySplitter, graph.End),
		},
		entries: []string{NodeSummarizeContent, NodeGetRoomInfo},
	}
}

func topicSuggestionsDefinition() Definition {
	return Definition{
		Name: TopicSuggestions,
		nodes: []nodeSpec{
			getRoomInfo,
			{
				name:    NodeGenerateTopicSuggestions,
				inputs:  []string{FieldMessages, FieldRoomDetails},
				outputs: []string{FieldSuggestions, FieldOutcome},
			},
		},
		edges: []graph.Edge{
			graph.Direct(NodeGetRoomInfo, NodeGenerateTopicSuggestions),
			graph.Direct(NodeGenerateTopicSuggestions, graph.End),
		},
		entries: []string{NodeGetRoomInfo},
	}
}

func messageSuggestionsDefinition() Definition {
	return Definition{
		Name: MessageSuggestions,
		nodes: []nodeSpec{
			{
				name:    NodeGenerateMessageSuggestions,
				inputs:  []string{FieldAgentInfo, FieldTopic, FieldMessages},
				outputs: []string{FieldAnswer},
			},
			replySplitter,
		},
		edges: []graph.Edge{
			graph.Direct(NodeGenerateMessageSuggestions, NodeAgentReplySplitter),
			graph.Direct(NodeAgentReplySplitter, graph.End),
		},
		entries: []string{NodeGenerateMessageSuggestions},
	}
}

func roomSuggestionsDefinition() Definition {
	extract := func(name, output string) nodeSpec {
		return nodeSpec{name: name, inputs: []string{FieldMessages}, outputs: []string{output}}
	}
	entries := []string{
		NodeGetRoomInfo,
		NodeExtractFrequentWords,
		NodeExtractFrequentEmojis,
		NodeExtractFrequentHashtags,
		NodeAnalyzeMainTopic,
		NodeExtractMentionedUsers,
	}
	edges := make([]graph.Edge, 0, len(entries)+1)
	for _, e := range entries {
		edges = append(edges, graph.Direct(e, NodeGenerateRoomSuggestion))
	}
	edges = append(edges, graph.Direct(NodeGenerateRoomSuggestion, graph.End))

	return Definition{
		Name: RoomSuggestions,
		nodes: []nodeSpec{
			getRoomInfo,
			extract(NodeExtractFrequentWords, FieldFrequentWords),
			extract(NodeExtractFrequentEmojis, FieldFrequentEmojis),
			extract(NodeExtractFrequentHashtags, FieldFrequentHashtags),
			extract(NodeAnalyzeMainTopic, FieldMainTopicsGroup),
			extract(NodeExtractMentionedUsers, FieldMentionedUsers),
			{
				name: NodeGenerateRoomSuggestion,
				inputs: []string{
					FieldRoomID, FieldRoomDetails, FieldMessages, FieldFrequentWords, FieldFrequentEmojis,
					FieldFrequentHashtags, FieldMainTopicsGroup, FieldMentionedUsers,
				},
				outputs: []string{FieldRoomSuggestion},
			},
		},
		edges:   edges,
		entries: entries,
	}
}

func finalRoomAnalysisDefinition() Definition {
	return Definition{
		Name: FinalRoomAnalysis,
		nodes: []nodeSpec{
			{
				name:    NodeAnalyzeRoomSuggestions,
				inputs:  []string{FieldRunID, FieldRoomSuggestions},
				outputs: []string{FieldRoomSuggestion, graph.ErrorField},
			},
		},
		edges:   []graph.Edge{graph.Direct(NodeAnalyzeRoomSuggestions, graph.End)},
		entries: []string{NodeAnalyzeRoomSuggestions},
	}
}

func ruleWizardDefinition() Definition {
	return Definition{
		Name: RuleWizard,
		nodes: []nodeSpec{
			{
				name:    NodeRuleCreationWizard,
				inputs:  []string{FieldRunID, FieldUserQuery},
				outputs: []string{FieldAnswer},
			},
		},
		edges:   []graph.Edge{graph.Direct(NodeRuleCreationWizard, graph.End)},
		entries: []string{NodeRuleCreationWizard},
	}
}
