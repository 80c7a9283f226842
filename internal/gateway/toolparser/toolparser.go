// Package toolparser recovers tool calls and thinking segments from plain
// assistant text when the upstream model was not given native tool_choice
// support and instead emits its intent inline, either as the gateway's
// primary bracket-marker convention ("[Calling tool: name]\nInput: {...}")
// or, as a secondary fallback, allow-listed tag-per-tool XML blocks such as
// <Read><file_path>/x</file_path></Read>.
package toolparser

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"kirogateway/internal/gateway/jsonrepair"
	"kirogateway/internal/gateway/message"
)

// callMarker matches "[Calling tool: name]" followed, after optional
// whitespace and a newline, by "Input:"; the json after it may be fenced in
// ``` ```. A marker without an "Input:" line does not match.
var callMarker = regexp.MustCompile(`(?s)\[Calling tool:\s*([a-zA-Z0-9_\-\.]+)\]\s*\nInput:\s*`)

var fencedJSON = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```")

// DefaultXMLTags is the allow-listed set of XML tool tags recognized by the
// secondary parser, mirroring a short list of common editor-tool names.
// Arbitrary tag names are deliberately not accepted: ordinary prose
// containing angle brackets would otherwise misparse as a tool call.
var DefaultXMLTags = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}

var innerTag = regexp.MustCompile(`(?s)<([a-zA-Z_][a-zA-Z0-9_]*)>(.*?)</([a-zA-Z_][a-zA-Z0-9_]*)>`)

// ParseResult is the outcome of scanning one assistant text for inline tool
// calls: the cleaned prose text plus, in original order, the tool_use
// blocks recovered from it.
type ParseResult struct {
	Text  string
	Tools []message.Block

	// HadParseError is true if at least one recovered tool call's input
	// JSON could not be repaired into valid JSON, meaning one of the
	// Tools blocks carries a {"_raw","_parse_error"} fallback input
	// instead of the model's actual arguments.
	HadParseError bool
}

// maxRawInputLen bounds how much of an unparseable tool-call input is
// retained in the _raw fallback field, so one runaway generation can't
// balloon a message payload.
const maxRawInputLen = 2000

// Parse scans text for the primary bracket-marker convention first; if none
// is found, it falls back to the secondary tag-per-tool XML convention. Text
// outside of recognized tool-call regions is preserved verbatim and
// returned in Text, with the matched regions removed.
func Parse(text string) ParseResult {
	return ParseWithXMLTags(text, DefaultXMLTags)
}

// ParseWithXMLTags is Parse with an explicit XML tool-tag allow-list for the
// secondary format, for callers that register a different tool set.
func ParseWithXMLTags(text string, xmlTags []string) ParseResult {
	if res, ok := parseMarkerCalls(text); ok {
		return res
	}
	if res, ok := parseXMLCalls(text, xmlTags); ok {
		return res
	}
	return ParseResult{Text: text}
}

func parseMarkerCalls(text string) (ParseResult, bool) {
	locs := callMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return ParseResult{}, false
	}

	var cleaned strings.Builder
	var tools []message.Block
	hadParseError := false
	cursor := 0

	for _, loc := range locs {
		matchStart, matchEnd := loc[0], loc[1]
		nameStart, nameEnd := loc[2], loc[3]
		name := text[nameStart:nameEnd]

		cleaned.WriteString(text[cursor:matchStart])

		rest := text[matchEnd:]
		jsonText, consumed := extractInputJSON(rest)

		repaired, valid, parseErr := jsonrepair.TryParse(jsonText)
		var input json.RawMessage
		if valid {
			input = json.RawMessage(repaired)
		} else {
			hadParseError = true
			input = rawInputFallback(jsonText, parseErr)
		}

		tools = append(tools, message.ToolUseBlock(mintToolID(), name, input))
		cursor = matchEnd + consumed
	}
	cleaned.WriteString(text[cursor:])

	return ParseResult{
		Text:          strings.TrimSpace(cleaned.String()),
		Tools:         tools,
		HadParseError: hadParseError,
	}, true
}

// rawInputFallback builds the {"_raw","_parse_error"} object a tool_use
// block's input carries when its arguments could not be repaired into valid
// JSON, so the failure is visible downstream instead of silently discarded.
func rawInputFallback(jsonText, parseErr string) json.RawMessage {
	raw := jsonText
	if runes := []rune(raw); len(runes) > maxRawInputLen {
		raw = string(runes[:maxRawInputLen])
	}
	fallback, err := json.Marshal(map[string]string{
		"_raw":         raw,
		"_parse_error": parseErr,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(fallback)
}

// extractInputJSON pulls the JSON argument text immediately following an
// "Input:" marker: a fenced code block if present, otherwise the first
// balanced JSON object/array found via depth tracking. It returns the
// extracted text and how many bytes of rest were consumed by the match.
func extractInputJSON(rest string) (jsonText string, consumed int) {
	trimmed := strings.TrimLeft(rest, " \t")
	leadWS := len(rest) - len(trimmed)

	if m := fencedJSON.FindStringSubmatchIndex(trimmed); m != nil {
		return trimmed[m[2]:m[3]], leadWS + m[1]
	}

	end := jsonrepair.FindJSONEnd(trimmed, firstBracket(trimmed))
	if start := firstBracket(trimmed); start >= 0 {
		if end > start {
			return trimmed[start:end], leadWS + end
		}
		// Unterminated: take to end of string, or up to the next marker.
		if nextIdx := callMarker.FindStringIndex(trimmed[start:]); nextIdx != nil {
			return trimmed[start : start+nextIdx[0]], leadWS + start + nextIdx[0]
		}
		return trimmed[start:], leadWS + len(trimmed)
	}

	return "{}", 0
}

func firstBracket(s string) int {
	for i, r := range s {
		if r == '{' || r == '[' {
			return i
		}
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
	}
	return -1
}

// parseXMLCalls recognizes the allow-listed tag-per-tool secondary format,
// e.g. <Read><file_path>/x</file_path></Read>, where the outer tag name is
// the tool name and each nested tag is a parameter. Each parameter value is
// JSON-decoded if it parses as JSON, else kept as a string.
func parseXMLCalls(text string, xmlTags []string) (ParseResult, bool) {
	allowed := make(map[string]bool, len(xmlTags))
	for _, t := range xmlTags {
		allowed[t] = true
	}

	toolTagPattern := regexp.MustCompile(`(?s)<(` + strings.Join(xmlTags, "|") + `)>(.*?)</(?:` + strings.Join(xmlTags, "|") + `)>`)
	locs := toolTagPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return ParseResult{}, false
	}

	var cleaned strings.Builder
	var tools []message.Block
	cursor := 0

	for _, loc := range locs {
		matchStart, matchEnd := loc[0], loc[1]
		name := text[loc[2]:loc[3]]
		if !allowed[name] {
			continue
		}
		body := text[loc[4]:loc[5]]

		params := map[string]any{}
		for _, p := range innerTag.FindAllStringSubmatch(body, -1) {
			paramName, raw := p[1], strings.TrimSpace(p[2])
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
				params[paramName] = decoded
			} else {
				params[paramName] = raw
			}
		}
		input, err := json.Marshal(params)
		if err != nil {
			input = []byte("{}")
		}

		cleaned.WriteString(text[cursor:matchStart])
		cursor = matchEnd
		tools = append(tools, message.ToolUseBlock(mintToolID(), name, input))
	}
	cleaned.WriteString(text[cursor:])

	return ParseResult{Text: strings.TrimSpace(cleaned.String()), Tools: tools}, len(tools) > 0
}

// mintToolID generates an id in the "toolu_" + 12 lowercase hex char shape
// the gateway uses for tool_use blocks it synthesizes itself (as opposed to
// ids a provider already assigned natively).
func mintToolID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "toolu_" + hex.EncodeToString(buf)
}

var thinkingOpen = regexp.MustCompile(`(?i)<thinking>`)
var thinkingClose = regexp.MustCompile(`(?i)</thinking>`)

// SplitThinking extracts the first <thinking>...</thinking> segment (closed
// or, if the model was truncated mid-thought, unclosed through end of
// string) from text, returning the thinking text, the remaining prose, and
// whether a thinking segment was found at all.
func SplitThinking(text string) (thinking string, rest string, found bool) {
	openLoc := thinkingOpen.FindStringIndex(text)
	if openLoc == nil {
		return "", text, false
	}
	before := text[:openLoc[0]]
	after := text[openLoc[1]:]

	if closeLoc := thinkingClose.FindStringIndex(after); closeLoc != nil {
		thinking = after[:closeLoc[0]]
		rest = before + after[closeLoc[1]:]
		return strings.TrimSpace(thinking), strings.TrimSpace(rest), true
	}

	// Unclosed: the rest of the text is thinking content.
	return strings.TrimSpace(after), strings.TrimSpace(before), true
}
