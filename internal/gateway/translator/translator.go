// Package translator converts the canonical message.Request between the
// OpenAI-compatible wire shape (used to call the Kiro upstream) and the
// Kiro-native conversationState shape, and converts OpenAI-shaped upstream
// responses back into canonical content blocks. Anthropic wire decode/encode
// itself lives in package wire; this package only contains the cross-format
// conversions that carry real translation logic.
package translator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/toolparser"
	"kirogateway/internal/gateway/wire"
)

// Options controls optional Anthropic->OpenAI rewriting behavior.
type Options struct {
	NativeToolsEnabled bool
	CleanSystem        bool

	MaxMessageChars  int // 0 = unbounded
	MaxTotalChars    int
	MaxToolInputChars int
	MaxToolResultChars int
}

// ToOpenAI flattens a canonical Anthropic-shaped request into the
// OpenAI-compatible wire shape the Kiro upstream expects.
func ToOpenAI(req message.Request, opts Options) wire.OpenAIRequest {
	out := wire.OpenAIRequest{
		Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature,
		TopP: req.TopP, Stop: req.StopSequences, Stream: req.Stream,
	}

	var systemText string
	if len(req.System) > 0 {
		systemText = flattenSystemBlocks(req.System, opts.CleanSystem)
	}

	if len(req.Tools) > 0 && !opts.NativeToolsEnabled {
		systemText = strings.TrimSpace(systemText + "\n\n" + inlineToolInstructions(req.Tools))
	}

	if systemText != "" {
		out.Messages = append(out.Messages, wire.OpenAIMessage{Role: "system", Content: systemText})
	}

	var lastRole message.Role
	for _, m := range req.Messages {
		flat := flattenMessage(m, opts)
		out.Messages = append(out.Messages, flat)
		lastRole = m.Role
	}

	if len(out.Messages) > 0 && lastRole != message.RoleUser {
		prompt := "Please continue."
		if lastRole == message.RoleTool {
			prompt = "Please continue based on the tool results above."
		}
		out.Messages = append(out.Messages, wire.OpenAIMessage{Role: "user", Content: prompt})
	}

	if len(req.Tools) > 0 && opts.NativeToolsEnabled {
		for _, t := range req.Tools {
			var tool wire.OpenAITool
			tool.Type = "function"
			tool.Function.Name = t.Name
			desc := t.Description
			if len(desc) > message.MaxToolDescriptionChars {
				desc = desc[:message.MaxToolDescriptionChars]
			}
			tool.Function.Description = desc
			tool.Function.Parameters = t.InputSchema
			out.Tools = append(out.Tools, tool)
		}
		out.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	if opts.MaxTotalChars > 0 {
		truncateTotalChars(&out, opts.MaxTotalChars)
	}

	return out
}

func encodeToolChoice(tc *message.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		raw, _ := json.Marshal("auto")
		return raw
	case "any":
		raw, _ := json.Marshal("required")
		return raw
	case "tool":
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return raw
	case "none":
		raw, _ := json.Marshal("none")
		return raw
	}
	return nil
}

func flattenSystemBlocks(blocks []message.Block, clean bool) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == message.BlockText {
			parts = append(parts, b.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if clean {
		text = scrubHeaderLikeLines(text)
	}
	return text
}

// scrubHeaderLikeLines removes lines that look like raw HTTP headers
// ("Key: value" with no spaces in Key), which some upstream prompts leak
// into the system block.
func scrubHeaderLikeLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if looksLikeHeader(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func looksLikeHeader(line string) bool {
	idx := strings.Index(line, ":")
	if idx <= 0 || idx > 40 {
		return false
	}
	key := line[:idx]
	if strings.Contains(key, " ") {
		return false
	}
	for _, r := range key {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

func inlineToolInstructions(tools []message.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To call one, reply with exactly:\n")
	b.WriteString("[Calling tool: <name>]\nInput: <compact JSON object matching the tool's schema>\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

func flattenMessage(m message.Message, opts Options) wire.OpenAIMessage {
	role := string(m.Role)
	if m.Role == message.RoleTool {
		role = "user"
	}

	var text string
	if m.Text != nil {
		text = *m.Text
	} else {
		text = flattenBlocks(m.Blocks, opts)
	}

	if opts.MaxMessageChars > 0 && len(text) > opts.MaxMessageChars {
		text = text[:opts.MaxMessageChars] + "...[truncated]"
	}

	if m.Role == message.RoleAssistant && strings.TrimSpace(text) == "" {
		text = " "
	}

	return wire.OpenAIMessage{Role: role, Content: text}
}

func flattenBlocks(blocks []message.Block, opts Options) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case message.BlockText:
			parts = append(parts, b.Text)
		case message.BlockThinking, message.BlockRedactedThinking, message.BlockSignature:
			// dropped: internal-only content not forwarded upstream.
		case message.BlockToolUse:
			input := string(b.Input)
			if opts.MaxToolInputChars > 0 && len(input) > opts.MaxToolInputChars {
				input = input[:opts.MaxToolInputChars] + "...[truncated]"
			}
			parts = append(parts, fmt.Sprintf("[Calling tool: %s]\nInput: %s", b.ToolName, input))
		case message.BlockToolResult:
			content := toolResultText(b.Content)
			if opts.MaxToolResultChars > 0 && len(content) > opts.MaxToolResultChars {
				content = content[:opts.MaxToolResultChars] + "...[truncated]"
			}
			label := "[Tool Result]"
			if b.IsError {
				label = "[Tool Error]"
			}
			parts = append(parts, fmt.Sprintf("%s\n%s", label, content))
		case message.BlockImage:
			parts = append(parts, "[Image: "+orDefault(b.MediaType, "image")+"]")
		case message.BlockDocument:
			parts = append(parts, "[Document: "+orDefault(b.Name, "file")+"]")
		case message.BlockFile:
			parts = append(parts, "[File: "+orDefault(b.Name, "file")+"]")
		case message.BlockVideo:
			parts = append(parts, "[Video]")
		case message.BlockAudio:
			parts = append(parts, "[Audio]")
		case message.BlockCitation:
			parts = append(parts, b.CitedText)
		case message.BlockCodeExecutionResult:
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolResultText(c *message.ToolResultContent) string {
	if c == nil {
		return ""
	}
	if c.IsBlocks() {
		var parts []string
		for _, b := range c.Blocks {
			if b.Type == message.BlockText {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return c.Text
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncateTotalChars drops whole messages, oldest first, keeping a leading
// system message and the last message, until the request's total character
// count is within cap or only those remain.
func truncateTotalChars(req *wire.OpenAIRequest, cap int) {
	total := func() int {
		n := 0
		for _, m := range req.Messages {
			n += len(m.Content)
		}
		return n
	}
	for total() > cap && len(req.Messages) > 1 {
		idx := 0
		if req.Messages[0].Role == "system" {
			idx = 1
		}
		if idx >= len(req.Messages)-1 {
			break
		}
		req.Messages = append(req.Messages[:idx], req.Messages[idx+1:]...)
	}
}

// FromOpenAIChoice converts one OpenAI-shaped response choice into ordered
// canonical content blocks, the mapped Anthropic stop_reason, and whether any
// recovered tool call's input JSON failed to parse (fed into the
// continuation engine's tool_parse_error priority rule).
func FromOpenAIChoice(choice wire.OpenAIChoice) ([]message.Block, string, bool) {
	var blocks []message.Block

	if len(choice.Message.ToolCalls) > 0 {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			thinking, rest, found := toolparser.SplitThinking(text)
			if found && thinking != "" {
				blocks = append(blocks, message.ThinkingBlock(thinking))
			}
			if strings.TrimSpace(rest) != "" {
				blocks = append(blocks, message.TextBlock(rest))
			}
		}
		hadParseError := false
		for _, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if !json.Valid([]byte(args)) {
				hadParseError = true
				args = string(rawInputFallback(args, "invalid JSON in native tool call arguments"))
			}
			blocks = append(blocks, message.ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(args)))
		}
		return blocks, "tool_use", hadParseError
	}

	text := choice.Message.Content
	thinking, rest, found := toolparser.SplitThinking(text)
	if found && thinking != "" {
		blocks = append(blocks, message.ThinkingBlock(thinking))
		text = rest
	}

	parsed := toolparser.Parse(text)
	if strings.TrimSpace(parsed.Text) != "" {
		blocks = append(blocks, message.TextBlock(parsed.Text))
	}
	blocks = append(blocks, parsed.Tools...)

	stopReason := mapFinishReason(choice.FinishReason)
	if len(parsed.Tools) > 0 {
		stopReason = "tool_use"
	}
	return blocks, stopReason, parsed.HadParseError
}

// rawInputFallback mirrors toolparser's {"_raw","_parse_error"} fallback
// shape for native tool-call arguments that arrive as malformed JSON.
func rawInputFallback(raw, parseErr string) json.RawMessage {
	fallback, err := json.Marshal(map[string]string{"_raw": raw, "_parse_error": parseErr})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(fallback)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ToKiroNative builds the native conversationState payload: the last user
// message (with any tool_result blocks lifted into userInputMessageContext)
// becomes currentMessage, and everything before it becomes alternating
// history with pairing repaired.
func ToKiroNative(req message.Request, toolDescriptionCap int) wire.KiroConversationState {
	msgs := alternateRoles(req.Messages)
	// Pairing is repaired over the full list so the last history assistant's
	// tool uses are checked against the current message's tool results.
	repaired := repairToolPairing(msgs)

	var current wire.KiroUserMessage
	var history []message.Message
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == message.RoleUser {
		current = toKiroUserMessage(msgs[len(msgs)-1])
		history = repaired[:len(repaired)-1]
	} else {
		current = wire.KiroUserMessage{Content: "Please continue."}
		history = repaired
	}

	entries := make([]wire.KiroHistEntry, 0, len(history))
	for _, m := range history {
		if m.Role == message.RoleUser {
			um := toKiroUserMessage(m)
			entries = append(entries, wire.KiroHistEntry{UserMessage: &um})
		} else {
			am := toKiroAssistantMessage(m)
			entries = append(entries, wire.KiroHistEntry{AssistantMessage: &am})
		}
	}

	return wire.KiroConversationState{ConversationID: req.ConversationID, CurrentMessage: current, History: entries}
}

// ToKiroNativeRequest wraps ToKiroNative's conversationState with the model
// selection and generation parameters the native dialect carries as siblings
// of conversationState rather than nested inside it.
func ToKiroNativeRequest(req message.Request, toolDescriptionCap int) wire.KiroNativeRequest {
	var temperature, topP float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.TopP != nil {
		topP = *req.TopP
	}
	return wire.KiroNativeRequest{
		ConversationState: ToKiroNative(req, toolDescriptionCap),
		ModelID:           req.Model,
		InferenceConfig: &wire.KiroInferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		},
	}
}

// FromKiroNative converts a native dialect response into ordered canonical
// content blocks, the mapped Anthropic stop_reason, and whether any tool
// use's input JSON failed to parse. Mirrors FromOpenAIChoice's shape for the
// OpenAI-compatible dialect.
func FromKiroNative(resp wire.KiroNativeResponse) ([]message.Block, string, bool) {
	var blocks []message.Block

	if text := strings.TrimSpace(resp.Text); text != "" {
		thinking, rest, found := toolparser.SplitThinking(text)
		if found && thinking != "" {
			blocks = append(blocks, message.ThinkingBlock(thinking))
		}
		if strings.TrimSpace(rest) != "" {
			blocks = append(blocks, message.TextBlock(rest))
		}
	}

	hadParseError := false
	for _, tu := range resp.ToolUses {
		input := tu.Input
		if len(input) == 0 || !json.Valid(input) {
			hadParseError = true
			input = rawInputFallback(string(tu.Input), "invalid JSON in native tool use input")
		}
		id := tu.ID
		if id == "" {
			id = mintToolID()
		}
		blocks = append(blocks, message.ToolUseBlock(id, tu.Name, input))
	}

	stopReason := mapNativeStopReason(resp.StopReason)
	if len(resp.ToolUses) > 0 {
		stopReason = "tool_use"
	}
	return blocks, stopReason, hadParseError
}

func mapNativeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "end_turn"
	case "tool_use":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return reason
	}
}

// mintToolID generates a fallback id for a native tool use that arrives
// without one, in the same "toolu_" + 12 lowercase hex char shape toolparser
// mints for tool calls it recovers itself.
func mintToolID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "toolu_" + hex.EncodeToString(buf)
}

// alternateRoles enforces strict user/assistant alternation by inserting a
// synthetic "..." placeholder whenever two consecutive messages share a
// role; roles other than user and assistant are treated as user. It adds no
// trailing turn.
func alternateRoles(msgs []message.Message) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		role := m.Role
		if role != message.RoleUser && role != message.RoleAssistant {
			role = message.RoleUser
		}
		if len(out) > 0 && out[len(out)-1].Role == role {
			placeholder := "..."
			fillerRole := message.RoleAssistant
			if role == message.RoleAssistant {
				fillerRole = message.RoleUser
			}
			out = append(out, message.Message{Role: fillerRole, Text: &placeholder})
		}
		clone := m
		clone.Role = role
		out = append(out, clone)
	}
	return out
}

func toKiroUserMessage(m message.Message) wire.KiroUserMessage {
	var results []wire.KiroToolResult
	var textParts []string
	for _, b := range m.Blocks {
		if b.Type == message.BlockToolResult {
			status := "success"
			if b.IsError {
				status = "error"
			}
			results = append(results, wire.KiroToolResult{ToolUseID: b.ToolUseID, Content: toolResultText(b.Content), Status: status})
		} else if b.Type == message.BlockText {
			textParts = append(textParts, b.Text)
		}
	}
	content := m.PlainText()
	if content == "" {
		content = strings.Join(textParts, "\n")
	}
	um := wire.KiroUserMessage{Content: content}
	if len(results) > 0 {
		um.UserInputMessageContext = &wire.KiroUserMessageContext{ToolResults: results}
	}
	return um
}

func toKiroAssistantMessage(m message.Message) wire.KiroAssistantMessage {
	var toolUses []wire.KiroToolUse
	for _, b := range m.Blocks {
		if b.Type == message.BlockToolUse {
			toolUses = append(toolUses, wire.KiroToolUse{ToolUseID: b.ID, Name: b.ToolName, Input: b.Input})
		}
	}
	return wire.KiroAssistantMessage{Content: m.PlainText(), ToolUses: toolUses}
}

// repairToolPairing drops any tool_result block whose matching tool_use was
// discarded, and clears toolUses from an assistant message whose following
// user message no longer carries a matching tool_result. Returns the
// repaired message list; a caller observing an actual repair should log a
// warning (the lossy pairing fix is visible, not silent).
func repairToolPairing(msgs []message.Message) []message.Message {
	toolUseIDs := map[string]bool{}
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == message.BlockToolUse {
				toolUseIDs[b.ID] = true
			}
		}
	}

	out := make([]message.Message, len(msgs))
	copy(out, msgs)

	for i, m := range out {
		if m.Role != message.RoleUser {
			continue
		}
		var kept []message.Block
		for _, b := range m.Blocks {
			if b.Type == message.BlockToolResult && !toolUseIDs[b.ToolUseID] {
				continue
			}
			kept = append(kept, b)
		}
		out[i].Blocks = kept
	}

	for i, m := range out {
		if m.Role != message.RoleAssistant {
			continue
		}
		ids := toolUseIDsOf(m)
		if len(ids) == 0 {
			continue
		}
		nextHasAll := false
		if i+1 < len(out) && out[i+1].Role == message.RoleUser {
			resultIDs := toolResultIDsOf(out[i+1])
			nextHasAll = true
			for id := range ids {
				if !resultIDs[id] {
					nextHasAll = false
					break
				}
			}
		}
		if !nextHasAll {
			var kept []message.Block
			for _, b := range m.Blocks {
				if b.Type != message.BlockToolUse {
					kept = append(kept, b)
				}
			}
			out[i].Blocks = kept
		}
	}

	return out
}

func toolUseIDsOf(m message.Message) map[string]bool {
	ids := map[string]bool{}
	for _, b := range m.Blocks {
		if b.Type == message.BlockToolUse {
			ids[b.ID] = true
		}
	}
	return ids
}

func toolResultIDsOf(m message.Message) map[string]bool {
	ids := map[string]bool{}
	for _, b := range m.Blocks {
		if b.Type == message.BlockToolResult {
			ids[b.ToolUseID] = true
		}
	}
	return ids
}
