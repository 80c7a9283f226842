// Package wire holds the on-the-wire JSON shapes for each protocol surface
// the gateway exposes or calls (Anthropic Messages, OpenAI Chat
// Completions, Kiro-native), plus the decode/encode functions that convert
// them to and from the canonical internal message.Request/Message/Block
// model. No package outside of wire unmarshals one provider's JSON directly
// into another provider's struct.
package wire

import (
	"encoding/json"
	"fmt"

	"kirogateway/internal/gateway/message"
)

// AnthropicRequest is the wire shape of a POST /v1/messages body.
type AnthropicRequest struct {
	Model         string          `json:"model"`
	Messages      []AnthropicMsg  `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []AnthropicTool `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

type AnthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// anthropicBlockWire is the union-of-all-fields wire shape for one content
// block; Type discriminates which fields apply.
type anthropicBlockWire struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`

	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	URL string `json:"url,omitempty"`
}

// DecodeAnthropicRequest converts a wire AnthropicRequest into the internal
// canonical Request form.
func DecodeAnthropicRequest(req AnthropicRequest) (message.Request, error) {
	out := message.Request{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, TopK: req.TopK, StopSequences: req.StopSequences,
		Stream: req.Stream, Metadata: req.Metadata, Thinking: req.Thinking,
	}

	if len(req.System) > 0 {
		blocks, err := decodeSystemField(req.System)
		if err != nil {
			return message.Request{}, fmt.Errorf("decoding system: %w", err)
		}
		out.System = blocks
	}

	for _, m := range req.Messages {
		msg, err := decodeAnthropicMessage(m)
		if err != nil {
			return message.Request{}, err
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, message.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	if len(req.ToolChoice) > 0 {
		var tc struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.ToolChoice, &tc); err == nil {
			out.ToolChoice = &message.ToolChoice{Type: tc.Type, Name: tc.Name}
		}
	}

	return out, nil
}

func decodeSystemField(raw json.RawMessage) ([]message.Block, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []message.Block{message.TextBlock(asString)}, nil
	}
	var wireBlocks []anthropicBlockWire
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, err
	}
	blocks := make([]message.Block, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		blocks = append(blocks, fromWireBlock(b))
	}
	return blocks, nil
}

func decodeAnthropicMessage(m AnthropicMsg) (message.Message, error) {
	role := message.Role(m.Role)

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return message.Message{Role: role, Text: &asString}, nil
	}

	var wireBlocks []anthropicBlockWire
	if err := json.Unmarshal(m.Content, &wireBlocks); err != nil {
		return message.Message{}, fmt.Errorf("decoding message content: %w", err)
	}
	blocks := make([]message.Block, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		blocks = append(blocks, fromWireBlock(b))
	}
	return message.Message{Role: role, Blocks: blocks}, nil
}

func fromWireBlock(b anthropicBlockWire) message.Block {
	block := message.Block{
		Type: message.BlockType(b.Type), Text: b.Text, Name: b.Name, MediaType: b.MediaType,
		ID: b.ID, ToolName: b.Name, Input: b.Input, ToolUseID: b.ToolUseID, IsError: b.IsError, URL: b.URL,
	}
	if b.Source != nil {
		block.Source = &message.ImageSource{Type: b.Source.Type, MediaType: b.Source.MediaType, Data: b.Source.Data, URL: b.Source.URL}
	}
	if b.Type == "tool_use" {
		block.ToolName = b.Name
	}
	if len(b.Content) > 0 {
		block.Content = decodeToolResultContent(b.Content)
	}
	return block
}

func decodeToolResultContent(raw json.RawMessage) *message.ToolResultContent {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return &message.ToolResultContent{Text: asString}
	}
	var wireBlocks []anthropicBlockWire
	if err := json.Unmarshal(raw, &wireBlocks); err == nil {
		blocks := make([]message.Block, 0, len(wireBlocks))
		for _, b := range wireBlocks {
			blocks = append(blocks, fromWireBlock(b))
		}
		return &message.ToolResultContent{Blocks: blocks}
	}
	return &message.ToolResultContent{}
}

// EncodeAnthropicBlock renders a canonical Block back to its Anthropic wire
// shape for response encoding.
func EncodeAnthropicBlock(b message.Block) json.RawMessage {
	wire := anthropicBlockWire{
		Type: string(b.Type), Text: b.Text, Name: b.Name, MediaType: b.MediaType,
		ID: b.ID, Input: b.Input, ToolUseID: b.ToolUseID, IsError: b.IsError, URL: b.URL,
	}
	if b.Type == message.BlockToolUse {
		wire.Name = b.ToolName
	}
	if b.Source != nil {
		wire.Source = &struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type,omitempty"`
			Data      string `json:"data,omitempty"`
			URL       string `json:"url,omitempty"`
		}{Type: b.Source.Type, MediaType: b.Source.MediaType, Data: b.Source.Data, URL: b.Source.URL}
	}
	if b.Content != nil {
		if b.Content.IsBlocks() {
			blocks := make([]json.RawMessage, 0, len(b.Content.Blocks))
			for _, cb := range b.Content.Blocks {
				blocks = append(blocks, EncodeAnthropicBlock(cb))
			}
			raw, _ := json.Marshal(blocks)
			wire.Content = raw
		} else {
			raw, _ := json.Marshal(b.Content.Text)
			wire.Content = raw
		}
	}
	out, _ := json.Marshal(wire)
	return out
}

// AnthropicErrorBody builds the Anthropic error response shape.
func AnthropicErrorBody(errType, message_, requestID string) map[string]any {
	errObj := map[string]any{"type": errType, "message": message_}
	if requestID != "" {
		errObj["request_id"] = requestID
	}
	return map[string]any{"type": "error", "error": errObj}
}
