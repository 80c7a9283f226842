package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/wire"
)

func textMsg(role message.Role, text string) message.Message {
	t := text
	return message.Message{Role: role, Text: &t}
}

func TestToOpenAI_FlattensToolUseAndResult(t *testing.T) {
	req := message.Request{
		Model: "claude",
		Messages: []message.Message{
			textMsg(message.RoleUser, "do it"),
			{Role: message.RoleAssistant, Blocks: []message.Block{
				message.ToolUseBlock("toolu_1", "search", json.RawMessage(`{"q":"go"}`)),
			}},
			{Role: message.RoleUser, Blocks: []message.Block{
				message.ToolResultBlock("toolu_1", "result text", false),
			}},
		},
	}

	out := ToOpenAI(req, Options{})
	require.Len(t, out.Messages, 3)
	assert.Contains(t, out.Messages[1].Content, "[Calling tool: search]")
	assert.Contains(t, out.Messages[1].Content, `"q":"go"`)
	assert.Contains(t, out.Messages[2].Content, "[Tool Result]")
	assert.Contains(t, out.Messages[2].Content, "result text")
}

func TestToOpenAI_EmptyAssistantGetsPlaceholder(t *testing.T) {
	req := message.Request{Messages: []message.Message{
		textMsg(message.RoleUser, "hi"),
		{Role: message.RoleAssistant, Blocks: []message.Block{message.ThinkingBlock("hmm")}},
	}}
	out := ToOpenAI(req, Options{})
	assert.Equal(t, " ", out.Messages[1].Content)
}

func TestToOpenAI_TrailingAssistantGetsContinuePrompt(t *testing.T) {
	req := message.Request{Messages: []message.Message{
		textMsg(message.RoleUser, "hi"),
		textMsg(message.RoleAssistant, "partial answer"),
	}}
	out := ToOpenAI(req, Options{})
	last := out.Messages[len(out.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Please continue.", last.Content)
}

func TestToOpenAI_InjectsInlineToolInstructionsWhenNotNative(t *testing.T) {
	req := message.Request{
		System:   []message.Block{message.TextBlock("You are helpful.")},
		Messages: []message.Message{textMsg(message.RoleUser, "hi")},
		Tools:    []message.ToolDefinition{{Name: "search", Description: "search the web"}},
	}
	out := ToOpenAI(req, Options{NativeToolsEnabled: false})
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Content, "[Calling tool:")
	assert.Contains(t, out.Messages[0].Content, "search")
	assert.Empty(t, out.Tools)
}

func TestToOpenAI_NativeToolsEmitsToolsArray(t *testing.T) {
	req := message.Request{
		Messages:   []message.Message{textMsg(message.RoleUser, "hi")},
		Tools:      []message.ToolDefinition{{Name: "search", Description: "search the web"}},
		ToolChoice: &message.ToolChoice{Type: "any"},
	}
	out := ToOpenAI(req, Options{NativeToolsEnabled: true})
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "search", out.Tools[0].Function.Name)
	assert.JSONEq(t, `"required"`, string(out.ToolChoice))
}

func TestFromOpenAIChoice_NativeToolCalls(t *testing.T) {
	choice := wire.OpenAIChoice{
		Message: wire.OpenAIMessage{
			Content: "Let me check.",
			ToolCalls: []wire.OpenAIToolCall{
				{ID: "call_1", Function: struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				}{Name: "search", Arguments: `{"q":"go"}`}},
			},
		},
		FinishReason: "tool_calls",
	}
	blocks, stop, hadParseErr := FromOpenAIChoice(choice)
	assert.Equal(t, "tool_use", stop)
	assert.False(t, hadParseErr)
	require.Len(t, blocks, 2)
	assert.Equal(t, message.BlockText, blocks[0].Type)
	assert.Equal(t, message.BlockToolUse, blocks[1].Type)
	assert.Equal(t, "search", blocks[1].ToolName)
}

func TestFromOpenAIChoice_NativeToolCallWithMalformedArgumentsFlagsParseError(t *testing.T) {
	choice := wire.OpenAIChoice{
		Message: wire.OpenAIMessage{
			ToolCalls: []wire.OpenAIToolCall{
				{ID: "call_1", Function: struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				}{Name: "search", Arguments: `{"q":`}},
			},
		},
		FinishReason: "tool_calls",
	}
	blocks, stop, hadParseErr := FromOpenAIChoice(choice)
	assert.Equal(t, "tool_use", stop)
	assert.True(t, hadParseErr)
	require.Len(t, blocks, 1)
	assert.Contains(t, string(blocks[0].Input), "_parse_error")
}

func TestFromOpenAIChoice_InlineToolCallParsed(t *testing.T) {
	choice := wire.OpenAIChoice{
		Message:      wire.OpenAIMessage{Content: "[Calling tool: search]\nInput: {\"q\":\"go\"}"},
		FinishReason: "stop",
	}
	blocks, stop, hadParseErr := FromOpenAIChoice(choice)
	assert.Equal(t, "tool_use", stop)
	assert.False(t, hadParseErr)
	require.Len(t, blocks, 1)
	assert.Equal(t, message.BlockToolUse, blocks[0].Type)
}

func TestFromOpenAIChoice_InlineToolCallWithUnrepairableInputFlagsParseError(t *testing.T) {
	choice := wire.OpenAIChoice{
		Message:      wire.OpenAIMessage{Content: "[Calling tool: search]\nInput: {{{not json at all"},
		FinishReason: "stop",
	}
	_, stop, hadParseErr := FromOpenAIChoice(choice)
	assert.Equal(t, "tool_use", stop)
	assert.True(t, hadParseErr)
}

func TestFromOpenAIChoice_LengthMapsToEndTurn(t *testing.T) {
	choice := wire.OpenAIChoice{Message: wire.OpenAIMessage{Content: "partial"}, FinishReason: "length"}
	_, stop, _ := FromOpenAIChoice(choice)
	assert.Equal(t, "end_turn", stop)
}

func TestFromOpenAIChoice_ThinkingExtracted(t *testing.T) {
	choice := wire.OpenAIChoice{
		Message:      wire.OpenAIMessage{Content: "<thinking>pondering</thinking>answer text"},
		FinishReason: "stop",
	}
	blocks, _, _ := FromOpenAIChoice(choice)
	require.Len(t, blocks, 2)
	assert.Equal(t, message.BlockThinking, blocks[0].Type)
	assert.Equal(t, "pondering", blocks[0].Text)
	assert.Equal(t, message.BlockText, blocks[1].Type)
}

func TestToKiroNative_LastUserBecomesCurrentMessage(t *testing.T) {
	req := message.Request{Messages: []message.Message{
		textMsg(message.RoleUser, "first"),
		textMsg(message.RoleAssistant, "reply"),
		textMsg(message.RoleUser, "second"),
	}}
	state := ToKiroNative(req, 500)
	assert.Equal(t, "second", state.CurrentMessage.Content)
	assert.Len(t, state.History, 2)
}

func TestToKiroNative_ToolResultLiftedIntoContext(t *testing.T) {
	req := message.Request{Messages: []message.Message{
		{Role: message.RoleUser, Blocks: []message.Block{
			message.ToolResultBlock("toolu_1", "42", false),
		}},
	}}
	state := ToKiroNative(req, 500)
	require.NotNil(t, state.CurrentMessage.UserInputMessageContext)
	require.Len(t, state.CurrentMessage.UserInputMessageContext.ToolResults, 1)
	assert.Equal(t, "toolu_1", state.CurrentMessage.UserInputMessageContext.ToolResults[0].ToolUseID)
}

func TestToKiroNative_ConsecutiveSameRoleGetsPlaceholder(t *testing.T) {
	req := message.Request{Messages: []message.Message{
		textMsg(message.RoleUser, "one"),
		textMsg(message.RoleUser, "two"),
	}}
	state := ToKiroNative(req, 500)
	assert.Len(t, state.History, 2)
	require.NotNil(t, state.History[1].AssistantMessage)
}

func TestToKiroNativeRequest_CarriesModelAndInferenceConfig(t *testing.T) {
	temp := 0.7
	topP := 0.9
	req := message.Request{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   4096,
		Temperature: &temp,
		TopP:        &topP,
		Messages:    []message.Message{textMsg(message.RoleUser, "hi")},
	}
	native := ToKiroNativeRequest(req, 500)
	assert.Equal(t, "claude-sonnet-4-5-20250929", native.ModelID)
	require.NotNil(t, native.InferenceConfig)
	assert.Equal(t, 4096, native.InferenceConfig.MaxTokens)
	assert.Equal(t, "hi", native.ConversationState.CurrentMessage.Content)
}

func TestFromKiroNative_TextAndToolUse(t *testing.T) {
	resp := wire.KiroNativeResponse{
		Text: "here's what I found",
		ToolUses: []wire.KiroNativeToolUse{
			{ID: "tooluse_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		},
		StopReason:   "tool_use",
		InputTokens:  10,
		OutputTokens: 20,
	}
	blocks, stop, hadParseErr := FromKiroNative(resp)
	assert.Equal(t, "tool_use", stop)
	assert.False(t, hadParseErr)
	require.Len(t, blocks, 2)
	assert.Equal(t, message.BlockText, blocks[0].Type)
	assert.Equal(t, message.BlockToolUse, blocks[1].Type)
	assert.Equal(t, "tooluse_1", blocks[1].ID)
}

func TestFromKiroNative_MalformedToolInputFlagsParseError(t *testing.T) {
	resp := wire.KiroNativeResponse{
		ToolUses: []wire.KiroNativeToolUse{
			{Name: "search", Input: json.RawMessage(`not json`)},
		},
	}
	blocks, _, hadParseErr := FromKiroNative(resp)
	assert.True(t, hadParseErr)
	require.Len(t, blocks, 1)
	assert.NotEmpty(t, blocks[0].ID)
	assert.Contains(t, string(blocks[0].Input), "_parse_error")
}

func TestRepairToolPairing_DropsOrphanedToolResult(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleAssistant, Blocks: []message.Block{}},
		{Role: message.RoleUser, Blocks: []message.Block{message.ToolResultBlock("missing_id", "x", false)}},
	}
	repaired := repairToolPairing(msgs)
	assert.Empty(t, repaired[1].Blocks)
}

func TestRepairToolPairing_ClearsUnmatchedToolUse(t *testing.T) {
	msgs := []message.Message{
		{Role: message.RoleAssistant, Blocks: []message.Block{
			message.ToolUseBlock("toolu_1", "search", json.RawMessage(`{}`)),
		}},
		textMsg(message.RoleUser, "no tool result here"),
	}
	repaired := repairToolPairing(msgs)
	assert.Empty(t, repaired[0].Blocks)
}
