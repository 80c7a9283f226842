// Package history applies the gateway's bounded-context strategies to a
// conversation's message list before it is forwarded upstream: dropping the
// oldest messages, summarizing them through a collaborator LLM call with
// result caching, shrinking history on an upstream length error, and a
// pre-flight char-budget truncation.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/summarycache"
	"kirogateway/internal/gateway/tokenestimate"
)

// SummaryGenerator calls the collaborator LLM to summarize a prefix of
// conversation history into a short prose summary.
type SummaryGenerator func(ctx context.Context, prompt string) (string, error)

// Result is the history manager's output: the (possibly rewritten) message
// list plus whether/why a rewrite happened.
type Result struct {
	Messages      []message.Message
	WasTruncated  bool
	TruncateInfo  string
	RetryMaxMessages int
}

// Manager applies AUTO_TRUNCATE, SMART_SUMMARY, and PRE_ESTIMATE in fixed
// order. ERROR_RETRY is not part of Apply; it is the separate
// ApplyErrorRetry, called by the dispatcher after an upstream length error.
type Manager struct {
	mu       sync.RWMutex
	cfg      config.History
	cache    *summarycache.Cache
	generate SummaryGenerator
	group    singleflight.Group
}

func New(cfg config.History, cache *summarycache.Cache, generate SummaryGenerator) *Manager {
	return &Manager{cfg: cfg, cache: cache, generate: generate, group: singleflight.Group{}}
}

// UpdateConfig replaces the manager's strategy thresholds, for the admin
// history-config mutation endpoint. Safe to call while Apply is in flight.
func (m *Manager) UpdateConfig(cfg config.History) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

func (m *Manager) config() config.History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Apply runs the fixed strategy order against msgs for the given session:
// AUTO_TRUNCATE, then SMART_SUMMARY, then PRE_ESTIMATE as a final char-budget
// guard immediately before the request is sent.
func (m *Manager) Apply(ctx context.Context, sessionID string, msgs []message.Message) Result {
	cfg := m.config()
	result := Result{Messages: msgs, RetryMaxMessages: cfg.RetryMaxMessages}

	if len(result.Messages) > cfg.MaxMessages || charCount(result.Messages) > cfg.MaxChars {
		result.Messages = autoTruncate(result.Messages, cfg.MaxMessages, cfg.MaxChars)
		result.WasTruncated = true
		result.TruncateInfo = appendInfo(result.TruncateInfo, "auto_truncate: dropped oldest messages")
	}

	totalChars := charCount(result.Messages)
	if totalChars > cfg.SummaryThreshold && len(result.Messages) > cfg.SummaryKeepRecent {
		summarized, err := m.smartSummary(ctx, sessionID, result.Messages, cfg.SummaryKeepRecent)
		if err == nil {
			result.Messages = summarized
			result.WasTruncated = true
			result.TruncateInfo = appendInfo(result.TruncateInfo, "smart_summary: older messages replaced by summary")
		}
	}

	if charCount(result.Messages) > cfg.EstimateThreshold {
		result.Messages = preEstimateTruncate(result.Messages, cfg.EstimateThreshold)
		result.WasTruncated = true
		result.TruncateInfo = appendInfo(result.TruncateInfo, "pre_estimate: char-truncated to fit estimate threshold")
	}

	return result
}

// ApplyErrorRetry shrinks history by 30% (minimum 5 messages) in response to
// an upstream content-length error, for use by the caller's retry loop.
func ApplyErrorRetry(msgs []message.Message, currentMax int) (retried []message.Message, newMax int) {
	newMax = currentMax * 7 / 10
	if newMax < 5 {
		newMax = 5
	}
	return autoTruncate(msgs, newMax, 1<<62), newMax
}

// IsLengthError reports whether an upstream error body indicates the
// request exceeded a content-length limit.
func IsLengthError(statusCode int, body string) bool {
	lower := strings.ToLower(body)
	markers := []string{"content_length_exceeds_threshold", "context_length_exceeded", "input is too long"}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if strings.Contains(lower, "token") && (strings.Contains(lower, "limit") || strings.Contains(lower, "exceed")) {
		return true
	}
	return statusCode == 413
}

func charCount(msgs []message.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.PlainText())
	}
	return n
}

// autoTruncate drops the oldest messages until both bounds are satisfied,
// preserving a leading system message if present.
func autoTruncate(msgs []message.Message, maxMessages, maxChars int) []message.Message {
	if len(msgs) == 0 {
		return msgs
	}
	hasLeadingSystem := msgs[0].Role == message.RoleSystem
	head := 0
	if hasLeadingSystem {
		head = 1
	}

	kept := append([]message.Message(nil), msgs[head:]...)
	for (len(kept)+head) > maxMessages || charCount(append(msgs[:head:head], kept...)) > maxChars {
		if len(kept) <= 1 {
			break
		}
		kept = kept[1:]
	}

	if hasLeadingSystem {
		return append([]message.Message{msgs[0]}, kept...)
	}
	return kept
}

func preEstimateTruncate(msgs []message.Message, threshold int) []message.Message {
	target := threshold * 80 / 100
	out := make([]message.Message, len(msgs))
	copy(out, msgs)
	for charCount(out) > target && len(out) > 1 {
		// Truncate the single largest message's text rather than dropping
		// messages outright; pre-estimate is a size guard, not a pruning step.
		largest := 0
		for i, m := range out {
			if len(m.PlainText()) > len(out[largest].PlainText()) {
				largest = i
			}
		}
		text := out[largest].PlainText()
		cut := len(text) * 9 / 10
		if cut >= len(text) {
			break
		}
		truncated := text[:cut]
		out[largest] = message.Message{Role: out[largest].Role, Text: &truncated}
	}
	return out
}

func appendInfo(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

// smartSummary splits msgs into an old prefix and a kept-recent suffix,
// reuses a cached summary when the delta invariants allow it, and otherwise
// generates (and caches) a fresh one, collapsing concurrent requests for the
// same cache key via singleflight.
func (m *Manager) smartSummary(ctx context.Context, sessionID string, msgs []message.Message, keepRecent int) ([]message.Message, error) {
	old := msgs[:len(msgs)-keepRecent]
	recent := msgs[len(msgs)-keepRecent:]

	key := summarycache.Key(sessionID, keepRecent)
	oldChars := charCount(old)

	if entry, ok := m.cache.Get(key, len(old), oldChars); ok {
		return rebuild(entry.Summary, recent), nil
	}

	summaryAny, err, _ := m.group.Do(key, func() (any, error) {
		return m.generateAndCache(ctx, key, old)
	})
	if err != nil {
		return nil, err
	}
	return rebuild(summaryAny.(string), recent), nil
}

func (m *Manager) generateAndCache(ctx context.Context, key string, old []message.Message) (string, error) {
	prompt := buildSummaryPrompt(old)
	summary, err := m.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	m.cache.Put(key, summarycache.Entry{Summary: summary, MessageCount: len(old), CharCount: charCount(old), CreatedAt: time.Now()})
	return summary, nil
}

func buildSummaryPrompt(old []message.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation history concisely, preserving key facts, decisions, and open tasks:\n\n")
	for _, m := range old {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.PlainText())
	}
	return b.String()
}

// rebuild assembles [summary_user_message, placeholder_assistant, *recent],
// then repairs tool_use/tool_result pairing left dangling by the cut.
func rebuild(summary string, recent []message.Message) []message.Message {
	summaryText := "Here is a summary of the earlier conversation:\n\n" + summary
	placeholderText := "Understood, I have the context from the summary above."

	out := make([]message.Message, 0, len(recent)+2)
	out = append(out, message.Message{Role: message.RoleUser, Text: &summaryText})
	out = append(out, message.Message{Role: message.RoleAssistant, Text: &placeholderText})
	out = append(out, recent...)

	return repairBoundaryPairing(out)
}

// repairBoundaryPairing strips any tool_use on the boundary assistant
// message (index 1) whose tool_result is not the very next message, and
// drops any orphaned tool_result at the start of recent whose matching
// tool_use was in the discarded old prefix.
func repairBoundaryPairing(msgs []message.Message) []message.Message {
	if len(msgs) < 3 {
		return msgs
	}
	boundary := msgs[1]
	next := msgs[2]

	boundaryIDs := map[string]bool{}
	for _, b := range boundary.Blocks {
		if b.Type == message.BlockToolUse {
			boundaryIDs[b.ID] = true
		}
	}
	if len(boundaryIDs) > 0 {
		nextResultIDs := map[string]bool{}
		for _, b := range next.Blocks {
			if b.Type == message.BlockToolResult {
				nextResultIDs[b.ToolUseID] = true
			}
		}
		allPaired := true
		for id := range boundaryIDs {
			if !nextResultIDs[id] {
				allPaired = false
				break
			}
		}
		if !allPaired {
			var kept []message.Block
			for _, b := range boundary.Blocks {
				if b.Type != message.BlockToolUse {
					kept = append(kept, b)
				}
			}
			msgs[1].Blocks = kept
		}
	}

	var keptNext []message.Block
	for _, b := range next.Blocks {
		if b.Type == message.BlockToolResult && !hasToolUseID(msgs, b.ToolUseID) {
			continue
		}
		keptNext = append(keptNext, b)
	}
	msgs[2].Blocks = keptNext

	return msgs
}

func hasToolUseID(msgs []message.Message, id string) bool {
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == message.BlockToolUse && b.ID == id {
				return true
			}
		}
	}
	return false
}

// EstimateTokens estimates the total token count across messages, using
// the gateway's shared char-based estimator.
func EstimateTokens(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokenestimate.EstimateMessage(m.PlainText())
	}
	return total
}
