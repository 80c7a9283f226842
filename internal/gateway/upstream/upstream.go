// Package upstream dispatches translated requests to the Kiro-compatible
// backend over its OpenAI-compatible chat completions endpoint (the
// primary, fully supported path) and exposes a streaming SSE reader.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"kirogateway/internal/gateway/continuation"
	"kirogateway/internal/gateway/wire"
	"kirogateway/internal/observability"
)

// chatCompletionsPath is the Kiro-compatible OpenAI-shaped endpoint every
// translated request is sent to.
const chatCompletionsPath = "/kiro/v1/chat/completions"

// conversePath is the Kiro-native endpoint used when the gateway is
// configured for the native dialect instead of the OpenAI-compatible one.
// This gateway speaks its JSON-body form; the amazon event-stream binary
// framing variant is not implemented.
const conversePath = "/kiro/v1/converse"

// Client calls the Kiro-compatible upstream.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func New(httpClient *http.Client, baseURL, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

// Error wraps a non-2xx upstream response with enough detail for the
// gateway's error-taxonomy mapping and continuation/retry logic.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, truncate(e.Body, 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Classify maps an upstream error to the continuation package's error
// taxonomy so the caller can decide whether to retry.
func Classify(err error) continuation.ErrorKind {
	var upErr *Error
	if errors.As(err, &upErr) {
		switch {
		case upErr.StatusCode == 429:
			return continuation.ErrRateLimit
		case upErr.StatusCode >= 500:
			return continuation.ErrServerError
		case upErr.StatusCode == 400:
			return continuation.ErrBadRequest
		default:
			return continuation.ErrBadRequest
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return continuation.ErrTimeout
	}
	return continuation.ErrServerError
}

// Complete performs a non-streaming chat completion and returns the first
// choice, decoded from the upstream's OpenAI-shaped JSON response.
func (c *Client) Complete(ctx context.Context, req wire.OpenAIRequest) (wire.OpenAIChoice, error) {
	req.Stream = false
	var result wire.OpenAIResponse

	op := func() (wire.OpenAIResponse, error) {
		resp, body, err := c.post(ctx, chatCompletionsPath, req)
		if err != nil {
			return wire.OpenAIResponse{}, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var out wire.OpenAIResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return wire.OpenAIResponse{}, backoff.Permanent(fmt.Errorf("decode upstream response: %w", err))
			}
			return out, nil
		}
		upErr := &Error{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			return wire.OpenAIResponse{}, upErr
		}
		return wire.OpenAIResponse{}, backoff.Permanent(upErr)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return wire.OpenAIChoice{}, err
	}
	if len(result.Choices) == 0 {
		return wire.OpenAIChoice{}, fmt.Errorf("upstream returned no choices")
	}
	return result.Choices[0], nil
}

// CompleteNative performs a non-streaming call against the Kiro-native
// /kiro/v1/converse endpoint and decodes its JSON-body response. Unlike
// Complete, there is no streaming counterpart: the native dialect's
// event-stream framing is not implemented, so this path is single-shot only.
func (c *Client) CompleteNative(ctx context.Context, req wire.KiroNativeRequest) (wire.KiroNativeResponse, error) {
	var result wire.KiroNativeResponse

	op := func() (wire.KiroNativeResponse, error) {
		resp, body, err := c.post(ctx, conversePath, req)
		if err != nil {
			return wire.KiroNativeResponse{}, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var out wire.KiroNativeResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return wire.KiroNativeResponse{}, backoff.Permanent(fmt.Errorf("decode upstream native response: %w", err))
			}
			return out, nil
		}
		upErr := &Error{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			return wire.KiroNativeResponse{}, upErr
		}
		return wire.KiroNativeResponse{}, backoff.Permanent(upErr)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return wire.KiroNativeResponse{}, err
	}
	return result, nil
}

// StreamHandler receives each decoded SSE data chunk in order.
type StreamHandler func(chunk wire.OpenAIStreamChunk) error

// Stream performs a streaming chat completion, invoking handle for every
// "data:" line decoded as an OpenAIStreamChunk, and reports whether the
// stream reached its terminal "[DONE]" marker (false means the connection
// was interrupted before completion).
func (c *Client) Stream(ctx context.Context, req wire.OpenAIRequest, handle StreamHandler) (completed bool, err error) {
	req.Stream = true
	resp, body, err := c.postRaw(ctx, chatCompletionsPath, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &Error{StatusCode: resp.StatusCode, Body: string(data)}
	}
	_ = body

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return true, nil
		}
		var chunk wire.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("discarding malformed upstream SSE chunk")
			continue
		}
		if err := handle(chunk); err != nil {
			return false, err
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	// The scanner reached EOF without a "[DONE]" marker: the connection
	// closed before the stream's logical end.
	return false, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	resp, respBody, err := c.postRaw(ctx, path, body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func (c *Client) postRaw(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode upstream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	// Regenerated per call rather than propagated from the inbound request:
	// reusing one id across calls lets upstream anti-abuse heuristics
	// correlate otherwise-independent requests.
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	httpReq.Header.Set("X-Trace-ID", uuid.NewString())
	httpReq.Header.Set("X-Client-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	observability.LoggerWithTrace(ctx).Debug().
		Str("path", path).
		Dur("elapsed", time.Since(start)).
		Int("status", resp.StatusCode).
		Msg("upstream call completed")

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return resp, nil, nil
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}
