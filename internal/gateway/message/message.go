// Package message defines the gateway's internal, strongly-typed
// representation of a conversation: a tagged-union content block model that
// every translator direction (Anthropic, OpenAI, Kiro-native) converts
// to and from. No package in the gateway decodes wire JSON directly into
// this type's fields from another provider's shape; each wire format has its
// own decode step that builds these values explicitly.
package message

import "encoding/json"

// BlockType tags the variant held by a Block.
type BlockType string

const (
	BlockText                 BlockType = "text"
	BlockImage                BlockType = "image"
	BlockDocument             BlockType = "document"
	BlockFile                 BlockType = "file"
	BlockToolUse              BlockType = "tool_use"
	BlockToolResult           BlockType = "tool_result"
	BlockThinking             BlockType = "thinking"
	BlockRedactedThinking     BlockType = "redacted_thinking"
	BlockSignature            BlockType = "signature"
	BlockCitation             BlockType = "citation"
	BlockCodeExecutionResult  BlockType = "code_execution_result"
	BlockVideo                BlockType = "video"
	BlockAudio                BlockType = "audio"
)

// ImageSource distinguishes an inline base64 image from a URL reference.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Block is a single tagged content-block variant. Only the field(s)
// matching Type are meaningful; the rest are zero-valued.
type Block struct {
	Type BlockType `json:"type"`

	// text, thinking, redacted_thinking, signature, code_execution_result, citation
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// document / file
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	ToolName string       `json:"tool_name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   *ToolResultContent `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	// citation
	CitationSource string `json:"citation_source,omitempty"`
	CitedText      string `json:"cited_text,omitempty"`

	// code_execution_result
	ExitCode *int `json:"exit_code,omitempty"`

	// video / audio
	URL string `json:"url,omitempty"`
}

// ToolResultContent holds either a plain string or a nested block list,
// matching the Anthropic tool_result content union.
type ToolResultContent struct {
	Text   string
	Blocks []Block
}

func (c *ToolResultContent) IsBlocks() bool { return c != nil && c.Blocks != nil }

func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

func ThinkingBlock(text string) Block { return Block{Type: BlockThinking, Text: text} }

func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, ToolName: name, Input: input}
}

func ToolResultBlock(toolUseID string, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: &ToolResultContent{Text: content}, IsError: isError}
}

// Role is the message's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation. Content is either a plain string
// (Text non-nil, Blocks nil) or an ordered list of content blocks.
type Message struct {
	Role   Role
	Text   *string
	Blocks []Block
}

// PlainText returns the message's textual content: Text verbatim, or the
// concatenation of text-shaped blocks (text, thinking) for block-content
// messages.
func (m Message) PlainText() string {
	if m.Text != nil {
		return *m.Text
	}
	var out string
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText, BlockThinking:
			out += b.Text
		}
	}
	return out
}

// Clone returns a copy with its own Text, Blocks slice and per-block Input
// bytes, so those may be mutated without affecting the original. The
// pointer fields Source, Content and ExitCode of each block still point at
// the original's values.
func (m Message) Clone() Message {
	out := m
	if m.Text != nil {
		t := *m.Text
		out.Text = &t
	}
	if m.Blocks != nil {
		out.Blocks = make([]Block, len(m.Blocks))
		copy(out.Blocks, m.Blocks)
		for i := range out.Blocks {
			if m.Blocks[i].Input != nil {
				raw := make(json.RawMessage, len(m.Blocks[i].Input))
				copy(raw, m.Blocks[i].Input)
				out.Blocks[i].Input = raw
			}
		}
	}
	return out
}

// ToolDefinition is a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

const MaxToolDescriptionChars = 8000

// ToolChoice selects how the model must use tools.
type ToolChoice struct {
	Type string `json:"type"` // "auto" | "any" | "tool" | "none"
	Name string `json:"name,omitempty"`
}

// Request is the Anthropic-shaped canonical request form every translation
// direction converts to/from.
type Request struct {
	Model         string
	Messages      []Message
	System        []Block
	Tools         []ToolDefinition
	ToolChoice    *ToolChoice
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Stream        bool
	Metadata      map[string]any
	Thinking      json.RawMessage // presence alone forces Opus routing (§4.5 rule 1)
	ConversationID string
}

// Clone copies a Request's Messages (each via Message.Clone) and its System,
// Tools and StopSequences slices; Metadata, Thinking and the pointer fields
// are shared with r.
func (r Request) Clone() Request {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.Clone()
	}
	if r.System != nil {
		out.System = append([]Block(nil), r.System...)
	}
	if r.Tools != nil {
		out.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	if r.StopSequences != nil {
		out.StopSequences = append([]string(nil), r.StopSequences...)
	}
	return out
}

// RoutingDecision records why a request was sent to a particular model.
type RoutingDecision struct {
	OriginalModel string
	RoutedModel   string
	Reason        string
	Priority      int
}
