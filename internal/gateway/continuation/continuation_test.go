package continuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect_StreamInterrupted(t *testing.T) {
	info := Detect("hello", false, "", false)
	assert.True(t, info.IsTruncated)
	assert.Equal(t, ReasonStreamInterrupted, info.Reason)
	assert.Equal(t, 1.0, info.Confidence)
}

func TestDetect_MaxTokens(t *testing.T) {
	info := Detect("hello", true, "length", false)
	assert.Equal(t, ReasonMaxTokensReached, info.Reason)
}

func TestDetect_IncompleteCodeBlock(t *testing.T) {
	info := Detect("```go\nfunc main() {}\n", true, "stop", false)
	assert.Equal(t, ReasonIncompleteCodeBlock, info.Reason)
}

func TestDetect_IncompleteToolCall(t *testing.T) {
	info := Detect(`[Calling tool: search]` + "\n" + `Input: {"q": "go"`, true, "stop", false)
	assert.Equal(t, ReasonIncompleteToolCall, info.Reason)
}

func TestDetect_UnclosedBrackets(t *testing.T) {
	info := Detect("here is a list: [1, 2, 3", true, "stop", false)
	assert.Equal(t, ReasonUnclosedBrackets, info.Reason)
}

func TestDetect_NoneWhenComplete(t *testing.T) {
	info := Detect("a complete response.", true, "stop", false)
	assert.False(t, info.IsTruncated)
	assert.Equal(t, ReasonNone, info.Reason)
}

func TestValidate_RejectsShortText(t *testing.T) {
	assert.False(t, Validate("hi", 10))
}

func TestValidate_RejectsKnownErrorPrefix(t *testing.T) {
	assert.False(t, Validate("[Tool Error]\nsomething broke badly", 10))
}

func TestValidate_AcceptsPlausibleText(t *testing.T) {
	assert.True(t, Validate("this is a perfectly normal response", 10))
}

func TestMerge_TrimsOverlap(t *testing.T) {
	accumulated := "The quick brown fox jumps over"
	continuationText := "jumps over the lazy dog"
	merged := Merge(accumulated, continuationText)
	assert.Equal(t, "The quick brown fox jumps over the lazy dog", merged)
}

func TestMerge_NoOverlapConcatenates(t *testing.T) {
	merged := Merge("first part.", " second part.")
	assert.Equal(t, "first part. second part.", merged)
}

func TestMerge_StripsPreamble(t *testing.T) {
	merged := Merge("abc", "Continuing from before\nthe rest of it")
	assert.Equal(t, "abcthe rest of it", merged)
}

func TestStripPreamble_RemovesLeadingFence(t *testing.T) {
	out := StripPreamble("```\ncode here")
	assert.Equal(t, "\ncode here", out)
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, ErrRateLimit.Retryable())
	assert.True(t, ErrServerError.Retryable())
	assert.False(t, ErrMalformedRequest.Retryable())
	assert.False(t, ErrBadRequest.Retryable())
}

func TestTracker_TerminatesAfterConsecutiveFailures(t *testing.T) {
	tr := &Tracker{MaxConsecutiveFailures: 3}
	assert.False(t, tr.RecordResult(""))
	assert.False(t, tr.RecordResult(""))
	assert.True(t, tr.RecordResult(""))
}

func TestTracker_ResetsOnSuccess(t *testing.T) {
	tr := &Tracker{MaxConsecutiveFailures: 2}
	tr.RecordResult("")
	tr.RecordResult("got some real text")
	assert.False(t, tr.RecordResult(""))
}

func TestBuildPrompt_EmbedsTruncatedEnding(t *testing.T) {
	prompt := BuildPrompt("...end of text")
	assert.Contains(t, prompt, "...end of text")
	assert.Contains(t, prompt, "Continue exactly from that cutoff point")
}
