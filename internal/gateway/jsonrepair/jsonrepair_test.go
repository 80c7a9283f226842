package jsonrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryParse_ValidJSONPassesThrough(t *testing.T) {
	repaired, ok, errMsg := TryParse(`{"a":1}`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, repaired)
	assert.Empty(t, errMsg)
}

func TestTryParse_TrailingComma(t *testing.T) {
	repaired, ok, errMsg := TryParse(`{"a":1,"b":2,}`)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1,"b":2}`, repaired)
	assert.Empty(t, errMsg)
}

func TestTryParse_UnclosedString(t *testing.T) {
	repaired, ok, _ := TryParse(`{"a":"hello`)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":"hello"}`, repaired)
}

func TestTryParse_UnclosedBrackets(t *testing.T) {
	repaired, ok, _ := TryParse(`{"a":{"b":1`)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":{"b":1}}`, repaired)
}

func TestTryParse_SingleQuotes(t *testing.T) {
	repaired, ok, _ := TryParse(`{'a': 'b'}`)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a": "b"}`, repaired)
}

func TestTryParse_EmptyInput(t *testing.T) {
	_, ok, errMsg := TryParse("")
	assert.False(t, ok)
	assert.NotEmpty(t, errMsg)
}

func TestTryParse_UnrepairableReturnsParseError(t *testing.T) {
	_, ok, errMsg := TryParse(`{{{not json at all`)
	assert.False(t, ok)
	assert.NotEmpty(t, errMsg)
}

func TestEscapeControlCharsInStrings_LeavesStructureAlone(t *testing.T) {
	in := "{\"a\":\"line1\nline2\"}"
	out := EscapeControlCharsInStrings(in)
	assert.Contains(t, out, `\n`)
	assert.NotContains(t, out, "\n")
}

func TestExtractJSONObject_IgnoresLeadingProse(t *testing.T) {
	text := `Sure, here is the input: {"x": [1,2,3]} and trailing text`
	extracted, ok := ExtractJSONObject(text)
	assert.True(t, ok)
	assert.JSONEq(t, `{"x":[1,2,3]}`, extracted)
}

func TestExtractJSONObject_NoOpenBracket(t *testing.T) {
	_, ok := ExtractJSONObject("no json here")
	assert.False(t, ok)
}

func TestCloseUnclosedBrackets_IgnoresBracketsInsideStrings(t *testing.T) {
	out := CloseUnclosedBrackets(`{"a":"} not a close"`)
	assert.Equal(t, `{"a":"} not a close"}`, out)
}

func TestFindJSONEnd_NestedObjects(t *testing.T) {
	text := `{"a":{"b":1}} trailing`
	end := FindJSONEnd(text, 0)
	assert.Equal(t, 13, end)
	assert.JSONEq(t, `{"a":{"b":1}}`, text[:end])
}

func TestFindJSONEnd_Unbalanced(t *testing.T) {
	assert.Equal(t, -1, FindJSONEnd(`{"a":1`, 0))
}
