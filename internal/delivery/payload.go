// Package delivery persists per-unit partial results, synthesizes a batch
// once its final unit arrives and posts the outcome to a webhook.
package delivery

// ReplyPayload is one chat reply posted to the webhook.
type ReplyPayload struct {
	UUID        string   `json:"uuid"`
	Message     []string `json:"message"`
	UserID      string   `json:"user_id"`
	SendMessage bool     `json:"send_message"`
}

// NewReplyPayload wraps one cleaned message. send_message is set when an agent
// user id is known.
func NewReplyPayload(uuid, message, userID string) ReplyPayload {
	return ReplyPayload{
		UUID:        uuid,
		Message:     []string{message},
		UserID:      userID,
		SendMessage: userID != "",
	}
}

// SuggestionPayload is the combined room suggestion posted when a batch closes.
type SuggestionPayload struct {
	UUID       string         `json:"uuid,omitempty"`
	Status     string         `json:"status,omitempty"`
	Suggestion map[string]any `json:"suggestion"`
	Error      string         `json:"error,omitempty"`
}

// StatusError marks a failed batch.
const StatusError = "error"

// SuggestionFailure builds the payload sent when a batch could not be synthesized.
func SuggestionFailure(uuid string, err error) SuggestionPayload {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return SuggestionPayload{
		UUID:       uuid,
		Status:     StatusError,
		Suggestion: map[string]any{},
		Error:      msg,
	}
}
