// Package streaming assembles Anthropic-shaped SSE events from an upstream
// OpenAI-compatible chunk stream. It runs in one of two modes: pass-through,
// which forwards text deltas as they arrive, and buffering, which holds all
// subsequent text once an inline tool-call marker is detected so the tool
// JSON can be reliably delimited only once the stream ends.
package streaming

import (
	"strings"
	"unicode/utf8"

	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/toolparser"
	"kirogateway/internal/gateway/tokenestimate"
	"kirogateway/internal/gateway/wire"
)

const toolCallMarker = "[Calling tool:"

// Event is one Anthropic SSE event, ready for "data: <json>\n\n" framing.
type Event struct {
	Type string
	Data map[string]any
}

// Sink receives pipeline events in emission order, keeping SSE framing out
// of the pipeline. Only the OpenAI-compatible upstream path feeds a
// Pipeline; the Kiro-native path does not stream.
type Sink interface {
	Send(Event) error
}

// ChunkSizes controls how large a delta this pipeline emits per event.
type ChunkSizes struct {
	Text    int
	ToolJSON int
	Thinking int
}

// Pipeline consumes upstream OpenAI-compatible stream chunks and emits the
// Anthropic SSE event sequence to sink.
type Pipeline struct {
	sink   Sink
	sizes  ChunkSizes
	xmlTags []string

	buffering   bool
	textOpen    bool
	blockIndex  int
	textBuf     strings.Builder // accumulated text once buffering mode engages
	fullText    strings.Builder // always-accumulated text, used for hallucination scoping + token estimate
	pendingEmit string          // trailing suffix of forwarded text that is itself a prefix of toolCallMarker, held back until the next chunk resolves it
	toolCalls   []wire.OpenAIToolCall
	finishReason string
	hadToolParseError bool
}

// HadToolParseError reports whether any inline tool call recovered from the
// buffered content failed to parse as JSON (set only after Finish runs).
func (p *Pipeline) HadToolParseError() bool {
	return p.hadToolParseError
}

// Accumulated returns the full text seen so far, across every HandleChunk
// call, regardless of pass-through/buffering mode.
func (p *Pipeline) Accumulated() string {
	return p.fullText.String()
}

// FinishReason returns the most recently observed upstream finish reason.
func (p *Pipeline) FinishReason() string {
	return p.finishReason
}

// PeekToolParseError reports whether the content currently held in the
// buffer (if buffering mode has engaged) contains an inline tool call whose
// input JSON fails to parse, without mutating pipeline state or emitting
// anything. Used by a continuation loop to decide whether to retry before
// the stream ends and Finish commits to emitting the buffered content.
func (p *Pipeline) PeekToolParseError() bool {
	if !p.buffering {
		return false
	}
	cleaned := ScrubHallucinatedToolResults(p.textBuf.String())
	parsed := toolparser.ParseWithXMLTags(cleaned, p.xmlTags)
	return parsed.HadParseError
}

// SyntheticChunk builds a single-choice OpenAIStreamChunk carrying a plain
// text delta and optional finish reason, for callers that already have
// assembled text (e.g. a merge-trimmed continuation response) rather than a
// raw upstream SSE frame to decode.
func SyntheticChunk(content, finishReason string) wire.OpenAIStreamChunk {
	var c wire.OpenAIStreamChunk
	c.Choices = make([]struct {
		Index int `json:"index"`
		Delta struct {
			Role      string                 `json:"role,omitempty"`
			Content   string                 `json:"content,omitempty"`
			ToolCalls []wire.OpenAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}, 1)
	c.Choices[0].Delta.Content = content
	if finishReason != "" {
		c.Choices[0].FinishReason = &finishReason
	}
	return c
}

func New(sink Sink, sizes ChunkSizes, xmlTags []string) *Pipeline {
	return &Pipeline{sink: sink, sizes: sizes, xmlTags: xmlTags}
}

// Start emits message_start.
func (p *Pipeline) Start(model string) error {
	return p.sink.Send(Event{Type: "message_start", Data: map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_stream", "type": "message", "role": "assistant",
			"model": model, "content": []any{}, "stop_reason": nil,
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}})
}

// HandleChunk processes one upstream SSE data frame (already JSON-decoded).
func (p *Pipeline) HandleChunk(chunk wire.OpenAIStreamChunk) error {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil {
			p.finishReason = *choice.FinishReason
		}
		if len(choice.Delta.ToolCalls) > 0 {
			p.accumulateNativeToolCalls(choice.Delta.ToolCalls)
			continue
		}
		if choice.Delta.Content == "" {
			continue
		}

		p.fullText.WriteString(choice.Delta.Content)

		if p.buffering {
			p.textBuf.WriteString(choice.Delta.Content)
			continue
		}

		if strings.Contains(p.fullText.String(), toolCallMarker) {
			// Held-back text plus this chunk's text up to the marker has not
			// been forwarded yet; emit it before buffering takes over.
			content := p.pendingEmit + choice.Delta.Content
			p.pendingEmit = ""
			if idx := strings.Index(content, toolCallMarker); idx > 0 {
				if err := p.emitTextDelta(content[:idx]); err != nil {
					return err
				}
			}
			if err := p.engageBuffering(); err != nil {
				return err
			}
			// engageBuffering already seeded textBuf through this chunk's
			// content from fullText; do not append it again below.
			continue
		}

		content := p.pendingEmit + choice.Delta.Content
		safe, held := splitTrailingMarkerPrefix(content)
		p.pendingEmit = held
		if safe == "" {
			continue
		}
		if err := p.emitTextDelta(safe); err != nil {
			return err
		}
	}
	return nil
}

// splitTrailingMarkerPrefix splits content into the portion safe to forward
// immediately and a trailing suffix that is itself a non-empty prefix of
// toolCallMarker, held back since a later chunk might complete the marker.
func splitTrailingMarkerPrefix(content string) (safe, held string) {
	maxK := len(toolCallMarker) - 1
	if maxK > len(content) {
		maxK = len(content)
	}
	for k := maxK; k > 0; k-- {
		if strings.HasSuffix(content, toolCallMarker[:k]) {
			return content[:len(content)-k], content[len(content)-k:]
		}
	}
	return content, ""
}

func (p *Pipeline) accumulateNativeToolCalls(deltas []wire.OpenAIToolCall) {
	for _, d := range deltas {
		// OpenAI streams tool_calls indexed by position; since this wire
		// type carries no index field, treat each non-empty ID as a new
		// call and append argument fragments to the most recent one.
		if d.ID != "" {
			tc := d
			p.toolCalls = append(p.toolCalls, tc)
			continue
		}
		if len(p.toolCalls) > 0 {
			last := &p.toolCalls[len(p.toolCalls)-1]
			last.Function.Arguments += d.Function.Arguments
		}
	}
}

func (p *Pipeline) engageBuffering() error {
	p.buffering = true
	if p.textOpen {
		if err := p.closeTextBlock(); err != nil {
			return err
		}
	}
	// Whatever of fullText arrived before the marker seeds the buffer so no
	// text is lost (pass-through already forwarded everything before it).
	full := p.fullText.String()
	if idx := strings.Index(full, toolCallMarker); idx >= 0 {
		p.textBuf.WriteString(full[idx:])
	}
	return nil
}

func (p *Pipeline) emitTextDelta(text string) error {
	if !p.textOpen {
		if err := p.openTextBlock(); err != nil {
			return err
		}
	}
	return p.sink.Send(Event{Type: "content_block_delta", Data: map[string]any{
		"type": "content_block_delta", "index": p.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}})
}

func (p *Pipeline) openTextBlock() error {
	p.textOpen = true
	return p.sink.Send(Event{Type: "content_block_start", Data: map[string]any{
		"type": "content_block_start", "index": p.blockIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	}})
}

func (p *Pipeline) closeTextBlock() error {
	p.textOpen = false
	err := p.sink.Send(Event{Type: "content_block_stop", Data: map[string]any{
		"type": "content_block_stop", "index": p.blockIndex,
	}})
	p.blockIndex++
	return err
}

// Finish runs end-of-stream processing: buffered-mode inline tool parsing,
// or native tool_call emission, then the closing message_delta/message_stop
// pair. It returns the full accumulated text (for continuation detection).
func (p *Pipeline) Finish() (string, error) {
	accumulated := p.fullText.String()

	inlineTools := 0
	if p.buffering {
		n, err := p.emitBufferedContent()
		if err != nil {
			return accumulated, err
		}
		inlineTools = n
	} else {
		if p.pendingEmit != "" {
			if err := p.emitTextDelta(p.pendingEmit); err != nil {
				return accumulated, err
			}
			p.pendingEmit = ""
		}
		if p.textOpen {
			if err := p.closeTextBlock(); err != nil {
				return accumulated, err
			}
		}
		if err := p.emitNativeToolCalls(); err != nil {
			return accumulated, err
		}
	}

	stopReason := mapFinishReason(p.finishReason)
	if len(p.toolCalls) > 0 || inlineTools > 0 {
		stopReason = "tool_use"
	}

	outputTokens := tokenestimate.Estimate(accumulated)
	if err := p.sink.Send(Event{Type: "message_delta", Data: map[string]any{
		"type": "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"output_tokens": outputTokens},
	}}); err != nil {
		return accumulated, err
	}
	return accumulated, p.sink.Send(Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}})
}

// emitBufferedContent parses and emits the buffered text and returns how
// many tool_use blocks it emitted.
func (p *Pipeline) emitBufferedContent() (int, error) {
	cleaned := ScrubHallucinatedToolResults(p.textBuf.String())
	parsed := toolparser.ParseWithXMLTags(cleaned, p.xmlTags)
	if parsed.HadParseError {
		p.hadToolParseError = true
	}

	thinking, rest, found := toolparser.SplitThinking(parsed.Text)
	if found && thinking != "" {
		if err := p.emitChunkedBlock("thinking", thinking, p.sizes.Thinking); err != nil {
			return 0, err
		}
	} else {
		rest = parsed.Text
	}

	if strings.TrimSpace(rest) != "" {
		if err := p.emitChunkedBlock("text", rest, p.sizes.Text); err != nil {
			return 0, err
		}
	}

	for _, tool := range parsed.Tools {
		if err := p.emitToolUseBlock(tool); err != nil {
			return 0, err
		}
	}
	return len(parsed.Tools), nil
}

func (p *Pipeline) emitNativeToolCalls() error {
	for _, tc := range p.toolCalls {
		block := message.ToolUseBlock(tc.ID, tc.Function.Name, nil)
		block.Input = []byte(tc.Function.Arguments)
		if err := p.emitToolUseBlockRaw(block.ID, block.ToolName, tc.Function.Arguments); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) emitChunkedBlock(blockType, text string, chunkSize int) error {
	idx := p.blockIndex
	p.blockIndex++
	if err := p.sink.Send(Event{Type: "content_block_start", Data: map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{"type": blockType, "text": ""},
	}}); err != nil {
		return err
	}
	deltaType := "text_delta"
	if blockType == "thinking" {
		deltaType = "thinking_delta"
	}
	for _, chunk := range ChunkRunes(text, chunkSize) {
		if err := p.sink.Send(Event{Type: "content_block_delta", Data: map[string]any{
			"type": "content_block_delta", "index": idx,
			"delta": map[string]any{"type": deltaType, "text": chunk},
		}}); err != nil {
			return err
		}
	}
	return p.sink.Send(Event{Type: "content_block_stop", Data: map[string]any{"type": "content_block_stop", "index": idx}})
}

func (p *Pipeline) emitToolUseBlock(b message.Block) error {
	return p.emitToolUseBlockRaw(b.ID, b.ToolName, string(b.Input))
}

func (p *Pipeline) emitToolUseBlockRaw(id, name, inputJSON string) error {
	idx := p.blockIndex
	p.blockIndex++
	if err := p.sink.Send(Event{Type: "content_block_start", Data: map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{}},
	}}); err != nil {
		return err
	}
	size := p.sizes.ToolJSON
	if size <= 0 {
		size = 2000
	}
	for _, chunk := range ChunkRunes(inputJSON, size) {
		if err := p.sink.Send(Event{Type: "content_block_delta", Data: map[string]any{
			"type": "content_block_delta", "index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk},
		}}); err != nil {
			return err
		}
	}
	return p.sink.Send(Event{Type: "content_block_stop", Data: map[string]any{"type": "content_block_stop", "index": idx}})
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length", "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// ChunkRunes splits text into chunks of at most size Unicode code points
// each, never splitting a multi-byte rune. size <= 0 returns the whole text
// as a single chunk.
func ChunkRunes(text string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// ScrubHallucinatedToolResults removes a fabricated "[Tool Result]" the
// model produced for its own inline tool call, scoped per tool-call region
// (from one "[Calling tool:" marker to the next, or EOF) so a legitimate
// result string following a different, already-closed call is untouched.
// It also strips a trailing incomplete "[Calling tool:" with no Input: line.
func ScrubHallucinatedToolResults(text string) string {
	regions := splitToolCallRegions(text)
	var b strings.Builder
	for _, region := range regions {
		b.WriteString(scrubRegion(region))
	}
	out := b.String()
	return stripTrailingIncompleteCall(out)
}

func splitToolCallRegions(text string) []string {
	var regions []string
	cursor := 0
	for {
		idx := strings.Index(text[cursor:], toolCallMarker)
		if idx < 0 {
			regions = append(regions, text[cursor:])
			break
		}
		next := strings.Index(text[cursor+idx+len(toolCallMarker):], toolCallMarker)
		if next < 0 {
			regions = append(regions, text[cursor:])
			break
		}
		end := cursor + idx + len(toolCallMarker) + next
		regions = append(regions, text[cursor:end])
		cursor = end
	}
	return regions
}

func scrubRegion(region string) string {
	if !strings.Contains(region, toolCallMarker) {
		return region
	}
	if idx := strings.Index(region, "[Tool Result]"); idx >= 0 {
		return region[:idx]
	}
	return region
}

func stripTrailingIncompleteCall(text string) string {
	idx := strings.LastIndex(text, toolCallMarker)
	if idx < 0 {
		return text
	}
	tail := text[idx:]
	if !strings.Contains(tail, "Input:") {
		return text[:idx]
	}
	return text
}
