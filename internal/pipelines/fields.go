package pipelines

import (
	"sync"

	"github.com/drblury/agentflow/internal/graph"
)

// State fields shared by every pipeline.
const (
	FieldRunID               = "uuid"
	FieldRoomID              = "room_id"
	FieldMessages            = "messages"
	FieldMetadata            = "metadata"
	FieldConversationSummary = "conversation_summary"
	FieldQuestion            = "question"
	FieldAgentName           = "agent_name"
	FieldAgentInfo           = "agent_info"
	FieldRoomDetails         = "room_details"
	FieldSlangContext        = "slang_context"
	FieldNextNode            = "next_node"
	FieldPersonalizeAgent    = "personalize_agent"
	FieldPersonalizeFailed   = "personalize_failed"
	FieldAgentIDExecuted     = "agent_id_executed"
	FieldAnswer              = "answer"
	FieldFinalAnswer         = "final_answer"
	FieldListMessage         = "list_message"
	FieldOutcome             = "outcome"
	FieldTopic               = "topic"
	FieldSuggestions         = "suggestions"
	FieldFrequentWords       = "frequent_words"
	FieldFrequentEmojis      = "frequent_emojis"
	FieldFrequentHashtags    = "frequent_hashtags"
	FieldMainTopicsGroup     = "main_topics_group"
	FieldMentionedUsers      = "mentioned_users"
	FieldRoomSuggestion      = "room_suggestion"
	FieldRoomSuggestions     = "room_suggestions"
	FieldUserQuery           = "user_query"
)

// Node names.
const (
	NodeSummarizeContent           = "summarize_content"
	NodeGetRoomInfo                = "get_room_info"
	NodeSlangAnalysis              = "slang_analysis"
	NodeOrchestrator               = "orchestrator"
	NodePersonalize                = "personalize"
	NodeValidator                  = "validator"
	NodeSpeechValidator            = "speech_validator"
	NodeAgentReplySplitter         = "agent_reply_splitter"
	NodeGenerateTopicSuggestions   = "generate_topic_suggestions"
	NodeGenerateMessageSuggestions = "generate_message_suggestions"
	NodeExtractFrequentWords       = "extract_frequent_words"
	NodeExtractFrequentEmojis      = "extract_frequent_emojis"
	NodeExtractFrequentHashtags    = "extract_frequent_hashtags"
	NodeAnalyzeMainTopic           = "analyze_main_topic"
	NodeExtractMentionedUsers      = "extract_mentioned_users"
	NodeGenerateRoomSuggestion     = "generate_room_suggestion"
	NodeAnalyzeRoomSuggestions     = "analyze_room_suggestions"
	NodeRuleCreationWizard         = "rule_creation_wizard"
)

// answer accumulates across personalize passes; everything else is replaced.
var appendFields = map[string]struct{}{
	FieldAnswer: {},
}

var allFields = []string{
	FieldRunID, FieldRoomID, FieldMessages, FieldMetadata,
	FieldConversationSummary, FieldQuestion, FieldAgentName, FieldAgentInfo,
	FieldRoomDetails, FieldSlangContext, FieldNextNode, FieldPersonalizeAgent,
	FieldPersonalizeFailed, FieldAgentIDExecuted, FieldAnswer, FieldFinalAnswer,
	FieldListMessage, FieldOutcome, FieldTopic, FieldSuggestions,
	FieldFrequentWords, FieldFrequentEmojis, FieldFrequentHashtags,
	FieldMainTopicsGroup, FieldMentionedUsers, FieldRoomSuggestion,
	FieldRoomSuggestions, FieldUserQuery,
}

var schemaOnce = sync.OnceValues(func() (*graph.Schema, error) {
	fields := make([]graph.Field, 0, len(allFields))
	for _, name := range allFields {
		policy := graph.Overwrite
		if _, ok := appendFields[name]; ok {
			policy = graph.Append
		}
		fields = append(fields, graph.Field{Name: name, Policy: policy})
	}
	return graph.NewSchema(fields...)
})

// Schema returns the state schema every pipeline compiles against.
func Schema() (*graph.Schema, error) {
	return schemaOnce()
}
