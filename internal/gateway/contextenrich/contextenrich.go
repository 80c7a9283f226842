// Package contextenrich maintains a short per-session "project context"
// fact sheet, refreshed in the background by a bounded worker pool, and
// injects it around the latest user message of subsequent requests.
package contextenrich

import (
	"context"
	"sync"

	"kirogateway/internal/gateway/message"
	"kirogateway/internal/observability"
)

// Generator produces a project-context fact sheet (~100-200 tokens)
// summarizing a conversation's language, framework, domain, and current task.
type Generator func(ctx context.Context, msgs []message.Message) (string, error)

type job struct {
	sessionID string
	msgs      []message.Message
}

// Pool is a fixed-size worker pool with "latest wins" per-session
// scheduling: a new job for a session that already has one pending is
// dropped, so a session is never queued twice.
type Pool struct {
	generate Generator
	queue    chan job

	mu       sync.Mutex
	contexts map[string]string
	pending  map[string]bool

	updateEvery int
	msgCounts   map[string]int
}

// New starts a pool of workerCount goroutines draining a queue bounded to
// maxPending jobs. updateEvery gates how often (in user-message count) a
// session's context is eligible to refresh.
func New(ctx context.Context, workerCount, maxPending, updateEvery int, generate Generator) *Pool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if maxPending <= 0 {
		maxPending = 50
	}
	p := &Pool{
		generate:    generate,
		queue:       make(chan job, maxPending),
		contexts:    make(map[string]string),
		pending:     make(map[string]bool),
		updateEvery: updateEvery,
		msgCounts:   make(map[string]int),
	}
	for i := 0; i < workerCount; i++ {
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.run(ctx, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, j.sessionID)
		p.mu.Unlock()
	}()

	summary, err := p.generate(ctx, j.msgs)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", j.sessionID).Msg("context enhancement generation failed")
		return
	}

	p.mu.Lock()
	p.contexts[j.sessionID] = summary
	p.mu.Unlock()
}

// ShouldUpdate reports whether sessionID is due for a context refresh given
// its current user-message count, and records the count whenever it reports
// true, so the interval is measured from the last refresh.
func (p *Pool) ShouldUpdate(sessionID string, userMessageCount int) bool {
	if p.updateEvery <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.msgCounts[sessionID]
	if seen && userMessageCount-last < p.updateEvery {
		return false
	}
	p.msgCounts[sessionID] = userMessageCount
	return true
}

// Schedule enqueues a context-refresh job for sessionID unless one is
// already pending for it (the new call is then dropped silently and the
// pending job keeps its own msgs) or the queue is full
// (scheduling is best-effort; excess jobs are dropped, not blocked on).
func (p *Pool) Schedule(sessionID string, msgs []message.Message) {
	p.mu.Lock()
	if p.pending[sessionID] {
		p.mu.Unlock()
		return
	}
	p.pending[sessionID] = true
	p.mu.Unlock()

	select {
	case p.queue <- job{sessionID: sessionID, msgs: msgs}:
	default:
		p.mu.Lock()
		delete(p.pending, sessionID)
		p.mu.Unlock()
	}
}

// Context returns the cached project-context string for sessionID, if any.
func (p *Pool) Context(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.contexts[sessionID]
	return ctx, ok
}

// Stats is a point-in-time snapshot of the pool's queue and cache occupancy,
// for the admin async-summary stats endpoint.
type Stats struct {
	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
	PendingJobs   int `json:"pending_jobs"`
	CachedContexts int `json:"cached_contexts"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueLength:    len(p.queue),
		QueueCapacity:  cap(p.queue),
		PendingJobs:    len(p.pending),
		CachedContexts: len(p.contexts),
	}
}

// Inject wraps the text of the last user message in msgs with a
// <project_context> tag carrying ctxText, leaving all other messages
// untouched. A request with no user messages is returned unchanged.
func Inject(msgs []message.Message, ctxText string) []message.Message {
	if ctxText == "" {
		return msgs
	}
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return msgs
	}

	out := make([]message.Message, len(msgs))
	copy(out, msgs)

	wrapped := "<project_context>\n" + ctxText + "\n</project_context>\n\n" + out[lastUser].PlainText()
	out[lastUser] = message.Message{Role: message.RoleUser, Text: &wrapped, Blocks: out[lastUser].Blocks}
	if out[lastUser].Blocks != nil {
		// Block-content messages carry their text in blocks, not Text;
		// wrap by prepending a synthetic text block instead.
		out[lastUser].Text = nil
		out[lastUser].Blocks = append([]message.Block{message.TextBlock("<project_context>\n" + ctxText + "\n</project_context>")}, msgs[lastUser].Blocks...)
	}
	return out
}
