package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogateway/internal/gateway/wire"
)

type fakeSink struct {
	events []Event
}

func (f *fakeSink) Send(e Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) textDeltas() string {
	var b strings.Builder
	for _, e := range f.events {
		if e.Type == "content_block_delta" {
			if delta, ok := e.Data["delta"].(map[string]any); ok {
				if delta["type"] == "text_delta" {
					b.WriteString(delta["text"].(string))
				}
			}
		}
	}
	return b.String()
}

func chunk(content string, finish *string) wire.OpenAIStreamChunk {
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
	c.Choices[0].FinishReason = finish
	return c
}

func TestPipeline_PassThroughForwardsTextImmediately(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, ChunkSizes{Text: 2000, ToolJSON: 2000, Thinking: 2000}, []string{"Read"})
	require.NoError(t, p.Start("model"))
	require.NoError(t, p.HandleChunk(chunk("hello ", nil)))
	require.NoError(t, p.HandleChunk(chunk("world", nil)))
	finishReason := "stop"
	require.NoError(t, p.HandleChunk(chunk("", &finishReason)))

	accumulated, err := p.Finish()
	require.NoError(t, err)
	assert.Equal(t, "hello world", accumulated)
	assert.Equal(t, "hello world", sink.textDeltas())
}

func TestPipeline_BufferingModeHoldsTextUntilEnd(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, ChunkSizes{Text: 2000, ToolJSON: 2000, Thinking: 2000}, []string{"Read"})
	require.NoError(t, p.Start("model"))
	require.NoError(t, p.HandleChunk(chunk("before ", nil)))
	require.NoError(t, p.HandleChunk(chunk("[Calling tool: search]\nInput: {\"q\":\"x\"}", nil)))

	_, err := p.Finish()
	require.NoError(t, err)

	var sawToolUse bool
	for _, e := range sink.events {
		if e.Type == "content_block_start" {
			if cb, ok := e.Data["content_block"].(map[string]any); ok && cb["type"] == "tool_use" {
				sawToolUse = true
				assert.Equal(t, "search", cb["name"])
			}
		}
	}
	assert.True(t, sawToolUse)
	assert.NotContains(t, sink.textDeltas(), "Calling tool")
}

func TestPipeline_HoldsBackPartialMarkerAcrossChunkBoundary(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, ChunkSizes{Text: 2000, ToolJSON: 2000, Thinking: 2000}, []string{"Read"})
	require.NoError(t, p.Start("model"))
	require.NoError(t, p.HandleChunk(chunk("here it is: [Call", nil)))
	// The partial literal must not have reached the sink yet.
	assert.NotContains(t, sink.textDeltas(), "[Call")

	require.NoError(t, p.HandleChunk(chunk("ing tool: search]\nInput: {\"q\":\"x\"}", nil)))
	_, err := p.Finish()
	require.NoError(t, err)

	assert.NotContains(t, sink.textDeltas(), "Calling tool")
	assert.Contains(t, sink.textDeltas(), "here it is: ")
}

func TestPipeline_RecoversHeldBackTextThatNeverCompletesMarker(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, ChunkSizes{Text: 2000, ToolJSON: 2000, Thinking: 2000}, []string{"Read"})
	require.NoError(t, p.Start("model"))
	require.NoError(t, p.HandleChunk(chunk("odd [Call", nil)))
	require.NoError(t, p.HandleChunk(chunk("back later", nil)))
	_, err := p.Finish()
	require.NoError(t, err)

	assert.Equal(t, "odd [Callback later", sink.textDeltas())
}

func TestPipeline_NeverSurfacesMaxTokensStopReason(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, ChunkSizes{Text: 2000, ToolJSON: 2000, Thinking: 2000}, nil)
	require.NoError(t, p.Start("model"))
	finish := "length"
	require.NoError(t, p.HandleChunk(chunk("partial", &finish)))
	_, err := p.Finish()
	require.NoError(t, err)

	for _, e := range sink.events {
		if e.Type == "message_delta" {
			delta := e.Data["delta"].(map[string]any)
			assert.Equal(t, "end_turn", delta["stop_reason"])
		}
	}
}

func TestChunkRunes_NeverSplitsMultiByteRune(t *testing.T) {
	text := strings.Repeat("中", 5)
	chunks := ChunkRunes(text, 2)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.True(t, len([]rune(c)) <= 2)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestChunkRunes_SmallTextSingleChunk(t *testing.T) {
	chunks := ChunkRunes("hi", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hi", chunks[0])
}

func TestScrubHallucinatedToolResults_TruncatesFakeResultInOwnRegion(t *testing.T) {
	text := "[Calling tool: search]\nInput: {}\n[Tool Result]\nfake data"
	out := ScrubHallucinatedToolResults(text)
	assert.NotContains(t, out, "[Tool Result]")
	assert.NotContains(t, out, "fake data")
}

func TestScrubHallucinatedToolResults_DoesNotOverMatchAcrossRegions(t *testing.T) {
	text := "[Calling tool: a]\nInput: {}\nSome real text between calls\n[Calling tool: b]\nInput: {}\n[Tool Result]\nfake"
	out := ScrubHallucinatedToolResults(text)
	// Scoped per-region: call a's region has no fake result, so the real
	// text and call b's marker must survive even though a non-scoped scan
	// would find the first "[Tool Result]" only after call b.
	assert.Contains(t, out, "Some real text between calls")
	assert.Contains(t, out, "[Calling tool: b]")
	assert.NotContains(t, out, "fake")
}

func TestScrubHallucinatedToolResults_StripsTrailingIncompleteCall(t *testing.T) {
	text := "some text\n[Calling tool: search"
	out := ScrubHallucinatedToolResults(text)
	assert.Equal(t, "some text\n", out)
}
