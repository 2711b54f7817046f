package protocol

import "strings"

// TextBlock creates a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// JoinText concatenates the text of every text block, in order. Non-text
// blocks contribute nothing.
func JoinText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.IsText() {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// NonTextBlocks returns the blocks the bridge does not aggregate, in the
// order they appeared.
func NonTextBlocks(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, block := range blocks {
		if !block.IsText() {
			out = append(out, block)
		}
	}
	return out
}
