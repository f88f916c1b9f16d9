package schemas

import (
	json "github.com/json-iterator/go"
)

// MessageType tags frames travelling over the per-conversation socket.
type MessageType string

const (
	MsgTypeAIResponse  MessageType = "ai_response"
	MsgTypeClientHello MessageType = "client_hello"
	MsgTypePlanResult  MessageType = "plan_result"
	MsgTypePageChange  MessageType = "page_change"
	MsgTypeUserPrompt  MessageType = "user_prompt"
	MsgTypeError       MessageType = "error"
)

// Published is the single message emitted per completed conversation turn.
// AIResponse holds either a StructuredResponse or a ParseError.
type Published struct {
	Type       MessageType `json:"type"`
	AIResponse any         `json:"ai_response"`
}

// NewPublished wraps a structured response for delivery.
func NewPublished(resp StructuredResponse) Published {
	return Published{Type: MsgTypeAIResponse, AIResponse: resp}
}

// NewPublishedError wraps a parse error for delivery.
func NewPublishedError(pe ParseError) Published {
	return Published{Type: MsgTypeAIResponse, AIResponse: pe}
}

// InboundPublished is the decoding-side view of Published.
type InboundPublished struct {
	Type       MessageType     `json:"type"`
	AIResponse json.RawMessage `json:"ai_response"`
}

// ClientFrame is sent by a connected browser-side client.
type ClientFrame struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id,omitempty"`
	Prompt   string      `json:"prompt,omitempty"`
	HTML     string      `json:"html,omitempty"`
	Result   *PlanResult `json:"result,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// PlanStatus is the terminal state of a plan execution.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// StepResult is the outcome of one attempted step. Error is nil on success.
type StepResult struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

// StepSucceeded builds a successful StepResult.
func StepSucceeded() StepResult { return StepResult{Success: true} }

// StepFailed builds a failed StepResult carrying msg.
func StepFailed(msg string) StepResult {
	return StepResult{Success: false, Error: &msg}
}

// ErrorMessage returns the error text or an empty string.
func (r StepResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// PlanResult reports the outcome of a whole plan. Results never outnumber
// the plan's steps and stop at the first failure.
type PlanResult struct {
	Status  PlanStatus   `json:"status"`
	Results []StepResult `json:"results"`
}

// PageChangeRequest is the inbound page snapshot submission.
type PageChangeRequest struct {
	ConversationID string `json:"conversation_id"`
	HTML           string `json:"html"`
}

// UserPromptRequest is the inbound user prompt submission.
type UserPromptRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}
