package tokenizer

import (
	"regexp"
	"strings"
)

// Pair is an adjacent symbol pair considered for a BPE merge.
type Pair struct {
	A, B string
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func mergePair(word []string, p Pair) []string {
	out := word[:0:0]
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == p.A && word[i+1] == p.B {
			out = append(out, p.A+p.B)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// bpe merges the byte-level symbols of one pre-token by ascending rank.
func bpe(symbol string, ranks map[Pair]int) []string {
	word := splitRunes(symbol)
	for len(word) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(word); i++ {
			if r, ok := ranks[Pair{word[i], word[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, Pair{word[best], word[best+1]})
	}
	return word
}

// byteTable is the reversible byte to printable-rune mapping used by
// byte-level BPE vocabularies.
type byteTable struct {
	enc [256]rune
	dec map[rune]byte
}

func newByteTable() *byteTable {
	t := &byteTable{dec: make(map[rune]byte, 256)}
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := rune(256)
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = next
			next++
		}
		t.enc[b] = r
		t.dec[r] = byte(b)
	}
	return t
}

func (t *byteTable) encode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		sb.WriteRune(t.enc[s[i]])
	}
	return sb.String()
}

// decode maps a byte-level symbol back to raw bytes. Runes outside the table
// are kept as UTF-8.
func (t *byteTable) decode(sym string) []byte {
	out := make([]byte, 0, len(sym))
	for _, r := range sym {
		if b, ok := t.dec[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, string(r)...)
	}
	return out
}

const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3 style pre-tokenizer rewritten without lookahead, which RE2 lacks.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

func preTokenizer(regex string) (*regexp.Regexp, error) {
	switch {
	case regex == "":
		regex = gpt2Pattern
	case strings.Contains(regex, "(?!") || strings.Contains(regex, "(?i:"):
		regex = llama3Pattern
	}
	return regexp.Compile(regex)
}
