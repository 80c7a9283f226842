// Package router assigns each incoming request to a model tier. The
// decision cascade is deterministic given the request's content, with a
// handful of probabilistic branches that are themselves pinned per-request
// (not per-process) so that replays resolve identically.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/message"
)

var planModeMarkers = []string{
	"enterplanmode", "exitplanmode", "plan mode", "计划模式", "进入计划模式", "退出计划模式",
}

// Stats counts routing outcomes, guarded by its own mutex so it can be read
// concurrently with ongoing routing decisions.
type Stats struct {
	mu             sync.Mutex
	Opus           int64
	Sonnet         int64
	Haiku          int64
	OpusDegraded   int64
	OpusPlanMode   int64
	OpusFirstTurn  int64
	OpusKeywords   int64
	SonnetEnhanced int64
}

// Snapshot is a point-in-time copy of Stats' counters for reporting.
type Snapshot struct {
	Opus           int64 `json:"opus"`
	Sonnet         int64 `json:"sonnet"`
	Haiku          int64 `json:"haiku"`
	OpusDegraded   int64 `json:"opus_degraded"`
	OpusPlanMode   int64 `json:"opus_plan_mode"`
	OpusFirstTurn  int64 `json:"opus_first_turn"`
	OpusKeywords   int64 `json:"opus_keywords"`
	SonnetEnhanced int64 `json:"sonnet_enhanced"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Opus: s.Opus, Sonnet: s.Sonnet, Haiku: s.Haiku,
		OpusDegraded: s.OpusDegraded, OpusPlanMode: s.OpusPlanMode,
		OpusFirstTurn: s.OpusFirstTurn, OpusKeywords: s.OpusKeywords,
		SonnetEnhanced: s.SonnetEnhanced,
	}
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Opus, s.Sonnet, s.Haiku = 0, 0, 0
	s.OpusDegraded, s.OpusPlanMode, s.OpusFirstTurn, s.OpusKeywords, s.SonnetEnhanced = 0, 0, 0, 0, 0
}

// Router routes requests to a model tier under a bounded Opus concurrency
// guard, recording per-branch statistics.
type Router struct {
	cfg   config.Routing
	stats Stats
	opus  *semaphore.Weighted
}

func New(cfg config.Routing) *Router {
	max := int64(cfg.OpusMaxConcurrent)
	if max <= 0 {
		max = 1
	}
	return &Router{cfg: cfg, opus: semaphore.NewWeighted(max)}
}

func (r *Router) Stats() *Stats { return &r.stats }

// Route returns the routing decision for req. If the decision is Opus but
// the concurrency guard is saturated, the request is downgraded to Sonnet
// with reason "opus_degraded" and the guard is not acquired; callers that
// dispatch an Opus request successfully routed here must release the guard
// by calling the returned release func once the request completes.
func (r *Router) Route(ctx context.Context, req message.Request) (message.RoutingDecision, func()) {
	if !r.cfg.Enabled {
		return message.RoutingDecision{OriginalModel: req.Model, RoutedModel: req.Model, Reason: "routing_disabled", Priority: 0}, noop
	}

	decision := r.decide(req)
	if decision.RoutedModel != r.cfg.OpusModel {
		r.recordNonOpus(decision)
		return decision, noop
	}

	if !r.opus.TryAcquire(1) {
		r.mark(&r.stats.OpusDegraded)
		r.mark(&r.stats.Sonnet)
		return message.RoutingDecision{
			OriginalModel: req.Model, RoutedModel: r.cfg.SonnetModel,
			Reason: "opus_degraded", Priority: decision.Priority,
		}, noop
	}

	r.mark(&r.stats.Opus)
	switch decision.Reason {
	case "plan_mode":
		r.mark(&r.stats.OpusPlanMode)
	case "first_turn":
		r.mark(&r.stats.OpusFirstTurn)
	case "opus_keyword":
		r.mark(&r.stats.OpusKeywords)
	}
	return decision, func() { r.opus.Release(1) }
}

func noop() {}

func (r *Router) recordNonOpus(d message.RoutingDecision) {
	switch d.RoutedModel {
	case r.cfg.SonnetModel:
		r.mark(&r.stats.Sonnet)
		if d.Reason == "execution_phase" {
			r.mark(&r.stats.SonnetEnhanced)
		}
	default:
		r.mark(&r.stats.Haiku)
	}
}

func (r *Router) mark(counter *int64) {
	r.stats.mu.Lock()
	*counter++
	r.stats.mu.Unlock()
}

// decide runs the priority cascade, independent of the concurrency guard.
func (r *Router) decide(req message.Request) message.RoutingDecision {
	lastUser := lastUserText(req.Messages)

	if r.cfg.ForceOpusOnThinking && (len(req.Thinking) > 0 || hasThinkingBlock(req.Messages)) {
		return decision(req.Model, r.cfg.OpusModel, "thinking_requested", 1)
	}

	if r.cfg.ForceOpusOnPlanMode && containsAny(allText(req.Messages), planModeMarkers) {
		return decision(req.Model, r.cfg.OpusModel, "plan_mode", 2)
	}

	if containsAny(lastUser, r.cfg.OpusKeywords) {
		return decision(req.Model, r.cfg.OpusModel, "opus_keyword", 3)
	}

	if containsAny(lastUser, r.cfg.SonnetKeywords) {
		return decision(req.Model, r.cfg.SonnetModel, "sonnet_keyword", 4)
	}

	if toolUseCount(req.Messages) >= r.cfg.ExecutionToolThreshold {
		if roll(req, "execution_phase") < r.cfg.ExecutionSonnetProbability {
			return decision(req.Model, r.cfg.SonnetModel, "execution_phase", 5)
		}
		return decision(req.Model, r.cfg.OpusModel, "execution_phase", 5)
	}

	if userMessageCount(req.Messages) <= r.cfg.FirstTurnMaxMessages {
		if roll(req, "first_turn") < r.cfg.FirstTurnOpusProbability {
			return decision(req.Model, r.cfg.OpusModel, "first_turn", 6)
		}
		return decision(req.Model, r.cfg.SonnetModel, "first_turn", 6)
	}

	if roll(req, "default") < r.cfg.BaseOpusProbability {
		return decision(req.Model, r.cfg.OpusModel, "default_probability", 7)
	}
	return decision(req.Model, r.cfg.SonnetModel, "default_probability", 7)
}

func decision(original, routed, reason string, priority int) message.RoutingDecision {
	return message.RoutingDecision{OriginalModel: original, RoutedModel: routed, Reason: reason, Priority: priority}
}

// roll derives a deterministic 0-99 value from the request's shape and a
// seed label, so the same request (including a retried one) always lands
// on the same probabilistic branch.
func roll(req message.Request, seedLabel string) int {
	lastUser := lastUserText(req.Messages)
	if len(lastUser) > 200 {
		lastUser = lastUser[:200]
	}
	var b strings.Builder
	b.WriteString(itoa(len(req.Messages)))
	b.WriteString(":")
	b.WriteString(lastUser)
	b.WriteString(":")
	b.WriteString(seedLabel)

	sum := sha256.Sum256([]byte(b.String()))
	n := binary.BigEndian.Uint64(sum[:8])
	return int(n % 100)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func lastUserText(msgs []message.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleUser {
			return msgs[i].PlainText()
		}
	}
	return ""
}

func allText(msgs []message.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.PlainText())
		b.WriteString(" ")
	}
	return b.String()
}

func hasThinkingBlock(msgs []message.Message) bool {
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == message.BlockThinking {
				return true
			}
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func toolUseCount(msgs []message.Message) int {
	count := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == message.BlockToolUse {
				count++
			}
		}
	}
	return count
}

func userMessageCount(msgs []message.Message) int {
	count := 0
	for _, m := range msgs {
		if m.Role == message.RoleUser {
			count++
		}
	}
	return count
}
