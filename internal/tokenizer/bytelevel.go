package tokenizer

import (
	"sort"

	"github.com/goccy/go-json"
)

// DefaultControls are the control tokens written by ByteLevelJSON when none
// are given.
var DefaultControls = []string{"<|bos|>", "<|eos|>", "<|endoftext|>", "<|pad|>"}

// ByteLevelJSON renders a minimal tokenizer.json: one token per byte,
// then one token per merge, then the control tokens. Merges are given in
// plain text (for example {"t", "h"}) and applied in order.
func ByteLevelJSON(merges [][2]string, controls []string) ([]byte, error) {
	bt := newByteTable()
	vocab := make(map[string]int, 256+len(merges)+len(controls))
	for b := range 256 {
		vocab[string(bt.enc[b])] = b
	}
	mergeLines := make([]string, 0, len(merges))
	for _, m := range merges {
		a, b := bt.encode(m[0]), bt.encode(m[1])
		mergeLines = append(mergeLines, a+" "+b)
		if _, ok := vocab[a+b]; !ok {
			vocab[a+b] = len(vocab)
		}
	}

	type added struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	}
	if controls == nil {
		controls = DefaultControls
	}
	addedTokens := make([]added, 0, len(controls))
	for _, c := range controls {
		addedTokens = append(addedTokens, added{ID: len(vocab) + len(addedTokens), Content: c, Special: true})
	}
	sort.Slice(addedTokens, func(i, j int) bool { return addedTokens[i].ID < addedTokens[j].ID })

	doc := map[string]any{
		"version": "1.0",
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": mergeLines,
		},
		"pre_tokenizer": map[string]any{"type": "ByteLevel"},
		"added_tokens":  addedTokens,
	}
	return json.Marshal(doc)
}
