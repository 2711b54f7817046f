package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlockRoundTripsUnknownVariantsVerbatim(t *testing.T) {
	wire := `[
		{"type":"text","text":"hi"},
		{"type":"image","data":"aGVsbG8=","mimeType":"image/png"},
		{"type":"resource_link","uri":"file:///a.txt","annotations":{"audience":["assistant"]}}
	]`

	var blocks []ContentBlock
	require.NoError(t, json.Unmarshal([]byte(wire), &blocks))
	require.Len(t, blocks, 3)

	assert.True(t, blocks[0].IsText())
	assert.Equal(t, "hi", blocks[0].Text)
	assert.Equal(t, "image", blocks[1].Type)
	assert.Equal(t, "resource_link", blocks[2].Type)

	out, err := json.Marshal(blocks)
	require.NoError(t, err)
	assert.JSONEq(t, wire, string(out))
}

func TestContentBlockMarshalConstructed(t *testing.T) {
	out, err := json.Marshal(TextBlock("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hello"}`, string(out))
}

func TestJoinTextSkipsNonTextBlocks(t *testing.T) {
	var blocks []ContentBlock
	require.NoError(t, json.Unmarshal([]byte(
		`[{"type":"text","text":"hello"},{"type":"image","data":"x"},{"type":"text","text":" world"}]`,
	), &blocks))

	assert.Equal(t, "hello world", JoinText(blocks))

	rest := NonTextBlocks(blocks)
	require.Len(t, rest, 1)
	assert.Equal(t, "image", rest[0].Type)
}
