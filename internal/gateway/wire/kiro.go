package wire

import "encoding/json"

// KiroConversationState is the request body for the native
// POST /kiro/v1/converse endpoint.
type KiroConversationState struct {
	ConversationID string          `json:"conversationId,omitempty"`
	CurrentMessage KiroUserMessage `json:"currentMessage"`
	History        []KiroHistEntry `json:"history"`
}

// KiroHistEntry is one alternating user/assistant turn in Kiro-native
// history; exactly one of UserMessage/AssistantMessage is populated.
type KiroHistEntry struct {
	UserMessage      *KiroUserMessage      `json:"userInputMessage,omitempty"`
	AssistantMessage *KiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type KiroUserMessage struct {
	Content            string                   `json:"content"`
	UserInputMessageContext *KiroUserMessageContext `json:"userInputMessageContext,omitempty"`
}

type KiroUserMessageContext struct {
	ToolResults []KiroToolResult `json:"toolResults,omitempty"`
}

type KiroToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Content   string          `json:"content"`
	Status    string          `json:"status"` // "success" | "error"
}

type KiroAssistantMessage struct {
	Content  string         `json:"content"`
	ToolUses []KiroToolUse  `json:"toolUses,omitempty"`
}

type KiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// KiroToolSpecification is a tool definition in the Kiro-native shape.
type KiroToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

const KiroMaxToolDescriptionChars = 500

// KiroInferenceConfig carries the native dialect's generation parameters,
// siblings of conversationState rather than nested inside it.
type KiroInferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

// KiroNativeRequest is the full POST /kiro/v1/converse request body: the
// conversationState wrapper plus the model selection and generation
// parameters that sit alongside it.
type KiroNativeRequest struct {
	ConversationState KiroConversationState `json:"conversationState"`
	ModelID           string                `json:"modelId,omitempty"`
	InferenceConfig   *KiroInferenceConfig  `json:"inferenceConfig,omitempty"`
}

// KiroNativeToolUse is one tool invocation inside a native dialect response.
type KiroNativeToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// KiroNativeResponse is the JSON-body form of the POST /kiro/v1/converse
// response: a flat object, not an echo of the request's
// assistantResponseMessage envelope.
type KiroNativeResponse struct {
	Text         string              `json:"text"`
	ToolUses     []KiroNativeToolUse `json:"tool_uses"`
	StopReason   string              `json:"stop_reason"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
}
