package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/core"
	"kirogateway/internal/gateway/message"
	"kirogateway/internal/gateway/streaming"
	"kirogateway/internal/gateway/tokenestimate"
	"kirogateway/internal/gateway/wire"
	"kirogateway/internal/observability"
)

// serviceVersion is overridden at build time via -ldflags; "dev" otherwise.
var serviceVersion = "dev"

// Server exposes the gateway's Anthropic and OpenAI-compatible HTTP surface.
type Server struct {
	core *core.Core
}

func NewServer(c *core.Core) *Server {
	return &Server{core: c}
}

// Routes builds the gateway's handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/messages", s.handleAnthropicMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	mux.HandleFunc("POST /v1/chat/completions", s.handleOpenAIChatCompletions)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /admin/config", s.handleAdminConfig)
	adminMux.HandleFunc("GET /admin/routing/stats", s.handleAdminRoutingStats)
	adminMux.HandleFunc("GET /admin/async-summary/stats", s.handleAdminAsyncSummaryStats)
	adminMux.HandleFunc("POST /admin/routing/reset", s.handleAdminRoutingReset)
	adminMux.HandleFunc("POST /admin/config/history", s.handleAdminConfigHistory)
	mux.Handle("/admin/", WithAdminAuth(s.core.Config.AdminBearerToken, adminMux))

	return WithAccessLog(WithRequestID(mux))
}

// handleHealth serves every health-check alias the gateway's callers probe
// it under (bare "/", "/healthz", and the two versioned paths upstream
// load balancers tend to expect).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/healthz" && r.URL.Path != "/v1/health" && r.URL.Path != "/api/v1/health" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"service":   s.core.Config.Obs.ServiceName,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeAdminSnapshot encodes v as JSON, or as YAML when the request asks
// for it via "?format=yaml" (the shape admin operators tend to want when
// piping a snapshot straight into a config file).
func writeAdminSnapshot(w http.ResponseWriter, r *http.Request, v any) {
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		enc.Encode(v)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleAdminConfig returns the running configuration with secrets
// redacted; KiroAPIKey and AdminBearerToken never leave the process even
// to an authenticated admin caller.
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	redacted := s.core.Config
	if redacted.KiroAPIKey != "" {
		redacted.KiroAPIKey = "***redacted***"
	}
	if redacted.AdminBearerToken != "" {
		redacted.AdminBearerToken = "***redacted***"
	}
	writeAdminSnapshot(w, r, redacted)
}

func (s *Server) handleAdminRoutingStats(w http.ResponseWriter, r *http.Request) {
	writeAdminSnapshot(w, r, s.core.Router.Stats().Snapshot())
}

func (s *Server) handleAdminAsyncSummaryStats(w http.ResponseWriter, r *http.Request) {
	writeAdminSnapshot(w, r, s.core.Context.Stats())
}

func (s *Server) handleAdminRoutingReset(w http.ResponseWriter, r *http.Request) {
	s.core.Router.Stats().Reset()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleAdminConfigHistory replaces the history manager's strategy
// thresholds in place, for operators tuning bounded-context behavior
// without a redeploy.
func (s *Server) handleAdminConfigHistory(w http.ResponseWriter, r *http.Request) {
	var cfg config.History
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "malformed request body"})
		return
	}
	s.core.History.UpdateConfig(cfg)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": []map[string]string{
			{"id": s.core.Config.Routing.OpusModel, "object": "model"},
			{"id": s.core.Config.Routing.SonnetModel, "object": "model"},
		},
	})
}

func (s *Server) writeAnthropicError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wire.AnthropicErrorBody(errType, msg, ""))
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var wireReq wire.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	req, err := wire.DecodeAnthropicRequest(wireReq)
	if err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	total := 0
	for _, m := range req.Messages {
		total += tokenestimate.EstimateMessage(m.PlainText())
	}
	for _, b := range req.System {
		total += tokenestimate.Estimate(b.Text)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"input_tokens": total})
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	var wireReq wire.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	req, err := wire.DecodeAnthropicRequest(wireReq)
	if err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	prepared := s.core.Prepare(r.Context(), r, req)
	defer prepared.Release()

	if prepared.Request.Stream {
		s.streamAnthropic(w, r, prepared)
		return
	}

	text, blocks, stopReason, err := s.core.Dispatch(r.Context(), prepared.Request, prepared.RetryMaxMessages)
	if err != nil {
		status, body := core.ErrorResponse(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
		return
	}
	_ = text

	contentBlocks := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		contentBlocks = append(contentBlocks, wire.EncodeAnthropicBlock(b))
	}

	resp := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         prepared.Request.Model,
		"content":       contentBlocks,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// sseSink adapts an http.ResponseWriter into a streaming.Sink, writing one
// "event: <type>\ndata: <json>\n\n" frame per Event and flushing after each.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(e streaming.Event) error {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, prepared core.PrepareResult) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	sink := &sseSink{w: w, flusher: flusher}

	if err := s.core.DispatchStream(r.Context(), prepared.Request, sink); err != nil {
		observability.LoggerWithTrace(r.Context()).Error().Err(err).Msg("stream dispatch failed")
	}
}

// handleOpenAIChatCompletions accepts OpenAI-shaped requests, translates
// them to the canonical model, and dispatches exactly as the Anthropic
// surface does. A non-streaming reply is an OpenAI chat.completion carrying
// the response text only; tool_use blocks are not converted to tool_calls.
// A streaming request is answered with the same Anthropic SSE events as
// /v1/messages, with no OpenAI chunk framing and no "data: [DONE]" frame.
func (s *Server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	var openaiReq wire.OpenAIRequest
	if err := json.NewDecoder(r.Body).Decode(&openaiReq); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(wire.OpenAIErrorBody("malformed request body", "invalid_request_error", ""))
		return
	}

	req := fromOpenAIRequest(openaiReq)
	prepared := s.core.Prepare(r.Context(), r, req)
	defer prepared.Release()

	if openaiReq.Stream {
		s.streamAnthropic(w, r, prepared)
		return
	}

	text, _, stopReason, err := s.core.Dispatch(r.Context(), prepared.Request, prepared.RetryMaxMessages)
	if err != nil {
		status, _ := core.ErrorResponse(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(wire.OpenAIErrorBody(err.Error(), "api_error", ""))
		return
	}

	resp := wire.OpenAIResponse{
		ID:     "chatcmpl-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  prepared.Request.Model,
		Choices: []wire.OpenAIChoice{{
			Index:        0,
			Message:      wire.OpenAIMessage{Role: "assistant", Content: text},
			FinishReason: mapStopReasonToOpenAI(stopReason),
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func fromOpenAIRequest(req wire.OpenAIRequest) message.Request {
	out := message.Request{Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature, TopP: req.TopP, StopSequences: req.Stop, Stream: req.Stream}
	for _, m := range req.Messages {
		if m.Role == "system" {
			out.System = append(out.System, message.TextBlock(m.Content))
			continue
		}
		text := m.Content
		out.Messages = append(out.Messages, message.Message{Role: message.Role(m.Role), Text: &text})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, message.ToolDefinition{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}
	return out
}

func mapStopReasonToOpenAI(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
