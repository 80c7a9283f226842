// Package core wires the gateway's components — routing, translation,
// streaming, continuation, history, context enrichment, and the upstream
// client — into the single mutable object the HTTP layer drives.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/continuation"
	"kirogateway/internal/gateway/contextenrich"
	"kirogateway/internal/gateway/history"
	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/router"
	"kirogateway/internal/gateway/session"
	"kirogateway/internal/gateway/streaming"
	"kirogateway/internal/gateway/summarycache"
	"kirogateway/internal/gateway/toolparser"
	"kirogateway/internal/gateway/translator"
	"kirogateway/internal/gateway/upstream"
	"kirogateway/internal/gateway/wire"
	"kirogateway/internal/observability"
)

// Core is the gateway's process-wide dependency set. One instance is
// constructed at startup and shared, read-mostly, across all requests.
type Core struct {
	Config  config.Config
	Router  *router.Router
	History *history.Manager
	Context *contextenrich.Pool
	Cache   *summarycache.Cache
	Up      *upstream.Client

	TranslatorOpts translator.Options
}

// New constructs a Core from loaded configuration, the shared upstream
// HTTP client, and a collaborator-model completion function used by both
// the history summarizer and the context enricher.
func New(cfg config.Config, httpClient *http.Client, collaborate func(ctx context.Context, prompt string) (string, error)) *Core {
	cache := summarycache.New(summarycache.DefaultCapacity)

	hist := history.New(cfg.History, cache, collaborate)

	enrichCtx := context.Background()
	enricher := contextenrich.New(enrichCtx, 4, cfg.ContextEnh.MaxPendingTasks, cfg.AsyncSummary.UpdateIntervalMsgs,
		func(ctx context.Context, msgs []message.Message) (string, error) {
			prompt := "Summarize this conversation's language, framework, domain, and current task in 100-200 tokens, one line:\n"
			for _, m := range msgs {
				prompt += fmt.Sprintf("%s: %s\n", m.Role, m.PlainText())
			}
			return collaborate(ctx, prompt)
		})

	return &Core{
		Config:  cfg,
		Router:  router.New(cfg.Routing),
		History: hist,
		Context: enricher,
		Cache:   cache,
		Up:      upstream.New(httpClient, cfg.KiroProxyBase, cfg.KiroAPIKey),
		TranslatorOpts: translator.Options{
			NativeToolsEnabled:    cfg.NativeToolsEnabled,
			CleanSystem:           true,
			MaxMessageChars:       0,
			MaxToolInputChars:     0,
			MaxToolResultChars:    0,
			MaxTotalChars:         0,
		},
	}
}

// PrepareResult is the outcome of applying history, context enrichment, and
// routing to an inbound request, ready for translation and dispatch.
type PrepareResult struct {
	SessionID string
	Request   message.Request
	Routing   message.RoutingDecision
	Release   func()

	// RetryMaxMessages is the message-count ceiling Dispatch shrinks from
	// on an upstream content-length error (ERROR_RETRY).
	RetryMaxMessages int
}

// Prepare runs the history manager and optional context enhancement over
// req, then routes it to a concrete model.
func (c *Core) Prepare(ctx context.Context, r *http.Request, req message.Request) PrepareResult {
	sessionID := session.Derive(r, req)

	histResult := c.History.Apply(ctx, sessionID, req.Messages)
	req.Messages = histResult.Messages

	if c.Config.ContextEnh.Enabled {
		userMsgCount := countUser(req.Messages)
		if c.Context.ShouldUpdate(sessionID, userMsgCount) {
			c.Context.Schedule(sessionID, req.Messages)
		}
		if ctxText, ok := c.Context.Context(sessionID); ok {
			req.Messages = contextenrich.Inject(req.Messages, ctxText)
		}
	}

	decision, release := c.Router.Route(ctx, req)
	req.Model = decision.RoutedModel

	return PrepareResult{
		SessionID:        sessionID,
		Request:          req,
		Routing:          decision,
		Release:          release,
		RetryMaxMessages: histResult.RetryMaxMessages,
	}
}

func countUser(msgs []message.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == message.RoleUser {
			n++
		}
	}
	return n
}

// Dispatch sends req upstream non-streaming, reducing history and retrying
// once an upstream content-length error is detected (ERROR_RETRY), then
// running the continuation loop until the response is complete or a
// continuation limit is reached. retryMaxMessages seeds the message-count
// ceiling ERROR_RETRY shrinks from (PrepareResult.RetryMaxMessages).
//
// When the gateway is configured for the native Kiro dialect
// (Config.KiroDialect == "native"), the request goes out over
// /kiro/v1/converse instead: that path is single-shot, with neither the
// ERROR_RETRY shrink-and-resend loop nor the continuation engine wired to
// it, since it exists as a non-default extension point rather than the
// fully supported path (see DESIGN.md).
func (c *Core) Dispatch(ctx context.Context, req message.Request, retryMaxMessages int) (text string, blocks []message.Block, stopReason string, err error) {
	if c.Config.KiroDialect == "native" {
		return c.dispatchNative(ctx, req)
	}

	choice, err := c.completeWithErrorRetry(ctx, req, retryMaxMessages)
	if err != nil {
		return "", nil, "", err
	}
	var hadToolParseErr bool
	blocks, stopReason, hadToolParseErr = translator.FromOpenAIChoice(choice)

	if !c.Config.Continuation.Enabled {
		return plainTextOf(blocks), blocks, stopReason, nil
	}

	accumulated := plainTextOf(blocks)
	lastBlocks := blocks
	tracker := &continuation.Tracker{MaxConsecutiveFailures: c.Config.Continuation.MaxConsecutiveFailures}
	for i := 0; i < c.Config.Continuation.MaxContinuations; i++ {
		info := continuation.Detect(accumulated, true, choice.FinishReason, hadToolParseErr)
		if !info.IsTruncated {
			break
		}
		if !continuation.Validate(accumulated, c.Config.Continuation.MinTextLength) {
			break
		}

		contReq := req.Clone()
		contText := continuation.BuildPrompt(lastChars(accumulated, c.Config.Continuation.TruncatedEndingChars))
		contReq.Messages = append(contReq.Messages, message.Message{Role: message.RoleAssistant, Text: &accumulated})
		contReq.Messages = append(contReq.Messages, message.Message{Role: message.RoleUser, Text: &contText})

		contOpenAI := translator.ToOpenAI(contReq, c.TranslatorOpts)
		contChoice, cErr := c.Up.Complete(ctx, contOpenAI)
		if cErr != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(cErr).Msg("continuation request failed")
			break
		}

		contBlocks, contStop, contHadParseErr := translator.FromOpenAIChoice(contChoice)
		contTextOnly := plainTextOf(contBlocks)
		if tracker.RecordResult(contTextOnly) {
			break
		}

		accumulated = continuation.Merge(accumulated, contTextOnly)
		lastBlocks = contBlocks
		stopReason = contStop
		choice.FinishReason = contChoice.FinishReason
		hadToolParseErr = contHadParseErr
		if contStop != "tool_use" && !continuation.Detect(accumulated, true, contChoice.FinishReason, hadToolParseErr).IsTruncated {
			break
		}
	}

	if accumulated == plainTextOf(blocks) {
		return accumulated, blocks, stopReason, nil
	}
	merged := []message.Block{message.TextBlock(accumulated)}
	for _, b := range lastBlocks {
		if b.Type == message.BlockToolUse {
			merged = append(merged, b)
		}
	}
	return accumulated, merged, stopReason, nil
}

// dispatchNative sends req over the Kiro-native /kiro/v1/converse endpoint
// and returns its single response with no retry or continuation handling.
func (c *Core) dispatchNative(ctx context.Context, req message.Request) (text string, blocks []message.Block, stopReason string, err error) {
	nativeReq := translator.ToKiroNativeRequest(req, wire.KiroMaxToolDescriptionChars)
	resp, err := c.Up.CompleteNative(ctx, nativeReq)
	if err != nil {
		return "", nil, "", err
	}
	blocks, stopReason, _ = translator.FromKiroNative(resp)
	return plainTextOf(blocks), blocks, stopReason, nil
}

// completeWithErrorRetry calls Complete, and on an upstream error recognized
// as a content-length violation, shrinks req's history via
// history.ApplyErrorRetry and retries, up to the configured retry budget.
func (c *Core) completeWithErrorRetry(ctx context.Context, req message.Request, currentMax int) (wire.OpenAIChoice, error) {
	msgs := req.Messages
	for attempt := 0; ; attempt++ {
		openaiReq := translator.ToOpenAI(req, c.TranslatorOpts)
		choice, err := c.Up.Complete(ctx, openaiReq)
		if err == nil {
			return choice, nil
		}
		if attempt >= c.Config.History.MaxRetries || !isLengthError(err) {
			return wire.OpenAIChoice{}, err
		}

		msgs, currentMax = history.ApplyErrorRetry(msgs, currentMax)
		req.Messages = msgs
		observability.LoggerWithTrace(ctx).Warn().Err(err).Int("retry_max_messages", currentMax).
			Msg("retrying after content-length error with shrunk history")
	}
}

// isLengthError reports whether err is an upstream.Error whose body
// indicates the request exceeded a content-length limit.
func isLengthError(err error) bool {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return history.IsLengthError(upErr.StatusCode, upErr.Body)
	}
	return false
}

// DispatchStream sends req upstream with streaming, forwarding SSE events to
// sink as they are produced, and runs the same continuation loop Dispatch
// runs for the non-streaming path — except the follow-up's text is spliced
// into the live stream as new content_block_delta events rather than
// appended to an accumulated string the caller sees only once at the end.
//
// Always uses the OpenAI-compatible dialect regardless of Config.KiroDialect:
// the native dialect has no streaming counterpart in this gateway (see
// dispatchNative).
func (c *Core) DispatchStream(ctx context.Context, req message.Request, sink streaming.Sink) error {
	openaiReq := translator.ToOpenAI(req, c.TranslatorOpts)
	openaiReq.Stream = true

	sizes := streaming.ChunkSizes{
		Text:     c.Config.Streaming.TextChunkSize,
		ToolJSON: c.Config.Streaming.ToolJSONChunkSize,
		Thinking: c.Config.Streaming.ThinkingChunkSize,
	}
	pipeline := streaming.New(sink, sizes, toolparser.DefaultXMLTags)
	if err := pipeline.Start(req.Model); err != nil {
		return err
	}

	completed, err := c.Up.Stream(ctx, openaiReq, pipeline.HandleChunk)
	if err != nil {
		return err
	}

	if c.Config.Continuation.Enabled {
		completed = c.continueStream(ctx, req, pipeline, completed)
	}

	_, err = pipeline.Finish()
	return err
}

// continueStream runs the continuation loop against a live streaming
// pipeline: each round is fully collected off-sink so the overlap between
// what the client already received and the follow-up's repeated tail can be
// trimmed via continuation.Merge before anything new is emitted, then the
// trimmed remainder is replayed through the pipeline's normal chunk handling
// so it still respects buffering mode for any inline tool-call marker it
// contains. Returns the final stream-completed state.
func (c *Core) continueStream(ctx context.Context, req message.Request, pipeline *streaming.Pipeline, completed bool) bool {
	tracker := &continuation.Tracker{MaxConsecutiveFailures: c.Config.Continuation.MaxConsecutiveFailures}

	for i := 0; i < c.Config.Continuation.MaxContinuations; i++ {
		accumulated := pipeline.Accumulated()
		info := continuation.Detect(accumulated, completed, pipeline.FinishReason(), pipeline.PeekToolParseError())
		if !info.IsTruncated {
			break
		}
		if !continuation.Validate(accumulated, c.Config.Continuation.MinTextLength) {
			break
		}

		contReq := req.Clone()
		contText := continuation.BuildPrompt(lastChars(accumulated, c.Config.Continuation.TruncatedEndingChars))
		contReq.Messages = append(contReq.Messages, message.Message{Role: message.RoleAssistant, Text: &accumulated})
		contReq.Messages = append(contReq.Messages, message.Message{Role: message.RoleUser, Text: &contText})

		contOpenAI := translator.ToOpenAI(contReq, c.TranslatorOpts)
		contOpenAI.Stream = true

		collector := &streamCollector{}
		contCompleted, cErr := c.Up.Stream(ctx, contOpenAI, collector.handle)
		if cErr != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(cErr).Msg("continuation request failed")
			break
		}
		completed = contCompleted

		if tracker.RecordResult(collector.text) {
			break
		}

		merged := continuation.Merge(accumulated, collector.text)
		delta := merged[len(accumulated):]
		if err := pipeline.HandleChunk(streaming.SyntheticChunk(delta, collector.finishReason)); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("failed to splice continuation text into stream")
			break
		}

		if collector.finishReason != "tool_calls" && !continuation.Detect(pipeline.Accumulated(), completed, pipeline.FinishReason(), pipeline.PeekToolParseError()).IsTruncated {
			break
		}
	}

	return completed
}

// streamCollector accumulates a continuation follow-up's raw text off-sink,
// so its overlap with what was already streamed to the client can be
// measured before any of it is emitted.
type streamCollector struct {
	text         string
	finishReason string
}

func (sc *streamCollector) handle(chunk wire.OpenAIStreamChunk) error {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil {
			sc.finishReason = *choice.FinishReason
		}
		sc.text += choice.Delta.Content
	}
	return nil
}

func plainTextOf(blocks []message.Block) string {
	var out string
	for _, b := range blocks {
		if b.Type == message.BlockText {
			out += b.Text
		}
	}
	return out
}

func lastChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// ErrorResponse maps an upstream dispatch error to an Anthropic-shaped
// error body and HTTP status code.
func ErrorResponse(err error) (int, map[string]any) {
	kind := upstream.Classify(err)
	status := http.StatusBadGateway
	errType := "api_error"
	switch kind {
	case continuation.ErrRateLimit:
		status, errType = http.StatusTooManyRequests, "rate_limit_error"
	case continuation.ErrBadRequest, continuation.ErrMalformedRequest:
		status, errType = http.StatusBadRequest, "invalid_request_error"
	case continuation.ErrTimeout:
		status, errType = http.StatusGatewayTimeout, "timeout_error"
	}
	return status, wire.AnthropicErrorBody(errType, err.Error(), "")
}
