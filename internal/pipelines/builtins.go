package pipelines

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/drblury/agentflow/internal/graph"
	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
)

// Message is one chat message carried in the messages field.
type Message struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

const (
	topWords    = 30
	topEmojis   = 30
	topHashtags = 30
	topMentions = 15
)

var stopwords = toSet(
	"de", "la", "las", "no", "que", "el", "en", "y", "a", "los", "del", "se", "con", "por",
	"un", "para", "una", "su", "al", "lo", "como", "más", "o", "pero", "sus", "le", "ha", "me",
	"si", "sin", "sobre", "este", "ya", "entre", "cuando", "todo", "esta", "ser", "son", "dos",
	"también", "fue", "había", "era", "muy", "hasta", "desde", "nos", "mi", "tú", "te", "tu", "es",
)

var (
	wordPattern    = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_]+)`)
	fencePattern   = regexp.MustCompile("```[a-zA-Z0-9_-]*\\s*\n")
	jsonPrefix     = regexp.MustCompile(`(?i)^\s*json\s*`)
	labelPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*final\s*answer\s*:\s*`),
		regexp.MustCompile(`(?i)^\s*respuesta\s*:\s*`),
		regexp.MustCompile(`(?i)^\s*output\s*:\s*`),
		regexp.MustCompile(`(?i)^\s*answer\s*:\s*`),
	}
)

// Builtins returns the nodes that need no model: the room statistics
// extractors and the reply splitter.
func Builtins() Computes {
	return Computes{
		NodeExtractFrequentWords:    counter(FieldFrequentWords, topWords, frequentWords),
		NodeExtractFrequentEmojis:   counter(FieldFrequentEmojis, topEmojis, emojis),
		NodeExtractFrequentHashtags: counter(FieldFrequentHashtags, topHashtags, hashtags),
		NodeExtractMentionedUsers:   counter(FieldMentionedUsers, topMentions, mentions),
		NodeAgentReplySplitter:      SplitReply,
	}
}

// MessageTexts extracts message contents from the messages field. It accepts
// []Message, []string and decoded JSON ([]any of objects with "content").
func MessageTexts(st graph.State) []string {
	switch v := st[FieldMessages].(type) {
	case []Message:
		out := make([]string, 0, len(v))
		for _, m := range v {
			out = append(out, m.Content)
		}
		return out
	case []map[string]any:
		out := make([]string, 0, len(v))
		for _, m := range v {
			if s, ok := m["content"].(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case map[string]any:
				if s, ok := m["content"].(string); ok {
					out = append(out, s)
				}
			case string:
				out = append(out, m)
			}
		}
		return out
	}
	return st.GetStrings(FieldMessages)
}

// Count is one ranked token.
type Count struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

func counter(field string, limit int, tokenize func(string) []string) graph.ComputeFunc {
	return func(_ context.Context, in graph.State) (graph.Update, error) {
		texts := MessageTexts(in)
		if len(texts) == 0 {
			return graph.Update{field: []Count{}}, nil
		}
		return graph.Update{field: rank(tokenize(strings.Join(texts, " ")), limit)}, nil
	}
}

// rank orders tokens by count, then by first appearance.
func rank(tokens []string, limit int) []Count {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, t := range tokens {
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	out := make([]Count, 0, len(order))
	for _, t := range order {
		out = append(out, Count{Token: t, Count: counts[t]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func frequentWords(text string) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop || isDigits(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func hashtags(text string) []string {
	var out []string
	for _, m := range hashtagPattern.FindAllStringSubmatch(strings.ToLower(text), -1) {
		out = append(out, "#"+m[1])
	}
	return out
}

func mentions(text string) []string {
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

func emojis(text string) []string {
	var out []string
	for _, r := range text {
		if isEmoji(r) {
			out = append(out, string(r))
		}
	}
	return out
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF,
		r >= 0x2600 && r <= 0x27BF,
		r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// SplitReply turns the final answer (or the raw answer) into a list of chat
// messages. A JSON array, bare or fenced, yields one message per element;
// anything else is a single message.
func SplitReply(_ context.Context, in graph.State) (graph.Update, error) {
	answer := strings.TrimSpace(in.GetString(FieldFinalAnswer))
	if answer == "" {
		answer = strings.TrimSpace(in.GetString(FieldAnswer))
	}
	if answer == "" {
		return graph.Update{FieldListMessage: []string{}}, nil
	}

	cleaned := strings.TrimSpace(stripLabels(stripFences(answer)))
	messages, ok := parseArray(cleaned)
	if !ok {
		messages, ok = parseArray(firstArray(cleaned))
	}
	if !ok {
		messages = []string{cleaned}
	}

	out := make([]string, 0, len(messages))
	for _, m := range messages {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return graph.Update{FieldListMessage: out}, nil
}

func stripFences(text string) string {
	t := fencePattern.ReplaceAllString(text, "")
	t = strings.ReplaceAll(t, "```", "")
	t = jsonPrefix.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

func stripLabels(text string) string {
	for _, p := range labelPatterns {
		text = p.ReplaceAllString(text, "")
	}
	return text
}

func parseArray(text string) ([]string, bool) {
	if text == "" || text[0] != '[' {
		return nil, false
	}
	var items []any
	if err := jsoncodec.Unmarshal([]byte(text), &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			encoded, err := jsoncodec.Marshal(v)
			if err != nil {
				return nil, false
			}
			out = append(out, string(encoded))
		}
	}
	return out, true
}

func firstArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func toSet(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
