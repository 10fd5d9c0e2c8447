// Package tokenizer converts between text and token ids for byte-level BPE
// vocabularies.
//
// The buffer-filling calls follow a two-call protocol: when the destination
// is too short they return an *errs.BufferTooSmallError carrying the size that
// would have succeeded. Encode and Piece wrap that loop.
package tokenizer

import (
	"fmt"
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/samcharles93/kvrt/internal/errs"
)

// Token is an id into the vocabulary.
type Token int32

// Codec is safe for concurrent use.
type Codec struct {
	symbols    []string
	pieces     [][]byte
	control    []bool
	controls   []string
	controlIDs map[string]Token
	encoder    map[string]Token
	ranks      map[Pair]int
	bytes      *byteTable
	pattern    *regexp.Regexp

	bos, eos, nl, unk Token

	mu    sync.Mutex
	cache map[string][]Token
}

// maxCacheEntries bounds the pre-token cache.
const maxCacheEntries = 1 << 16

func (c *Codec) VocabSize() int { return len(c.symbols) }

// BOS returns the beginning-of-sequence token, or -1.
func (c *Codec) BOS() Token { return c.bos }

// EOS returns the end-of-sequence token, or -1.
func (c *Codec) EOS() Token { return c.eos }

// NL returns the newline token, or -1.
func (c *Codec) NL() Token { return c.nl }

// Valid reports whether tok is inside the vocabulary.
func (c *Codec) Valid(tok Token) bool { return tok >= 0 && int(tok) < len(c.symbols) }

// IsControl reports whether tok is a control token such as BOS.
func (c *Codec) IsControl(tok Token) bool { return c.Valid(tok) && c.control[tok] }

// TokenText returns the vocabulary entry for tok as stored in the
// tokenizer file.
func (c *Codec) TokenText(tok Token) string {
	if !c.Valid(tok) {
		return ""
	}
	return c.symbols[tok]
}

// Tokenize encodes text into dst and returns the number of tokens written.
// With special set, control strings in text map to their ids; otherwise they
// are encoded as plain text. No leading space is inserted.
func (c *Codec) Tokenize(text string, dst []Token, addBOS, special bool) (int, error) {
	ids, err := c.tokenize(text, addBOS, special)
	if err != nil {
		return 0, err
	}
	if len(ids) > len(dst) {
		return 0, &errs.BufferTooSmallError{Required: len(ids), Available: len(dst)}
	}
	return copy(dst, ids), nil
}

// Encode runs the Tokenize sizing loop, starting from one token per rune.
func (c *Codec) Encode(text string, addBOS, special bool) ([]Token, error) {
	n := utf8.RuneCountInString(text)
	if addBOS {
		n++
	}
	buf := make([]Token, n)
	for {
		got, err := c.Tokenize(text, buf, addBOS, special)
		if err == nil {
			return buf[:got], nil
		}
		need, ok := errs.Required(err)
		if !ok {
			return nil, err
		}
		buf = make([]Token, need)
	}
}

func (c *Codec) tokenize(text string, addBOS, special bool) ([]Token, error) {
	ids := make([]Token, 0, len(text)/2+1)
	if addBOS && c.bos >= 0 {
		ids = append(ids, c.bos)
	}
	if !special {
		return c.appendText(ids, text)
	}
	var err error
	for _, seg := range splitControl(text, c.controls) {
		if seg.control {
			ids = append(ids, c.controlIDs[seg.text])
			continue
		}
		if ids, err = c.appendText(ids, seg.text); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (c *Codec) appendText(ids []Token, text string) ([]Token, error) {
	for _, pre := range c.pattern.FindAllString(text, -1) {
		toks, err := c.encodePreToken(pre)
		if err != nil {
			return nil, err
		}
		ids = append(ids, toks...)
	}
	return ids, nil
}

func (c *Codec) encodePreToken(pre string) ([]Token, error) {
	c.mu.Lock()
	cached, ok := c.cache[pre]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var out []Token
	for _, sym := range bpe(c.bytes.encode(pre), c.ranks) {
		if id, ok := c.encoder[sym]; ok {
			out = append(out, id)
			continue
		}
		// An unmerged symbol falls back to one token per byte.
		for _, r := range sym {
			id, ok := c.encoder[string(r)]
			switch {
			case ok:
				out = append(out, id)
			case c.unk >= 0:
				out = append(out, c.unk)
			default:
				return nil, fmt.Errorf("no token for byte symbol %q", r)
			}
		}
	}

	c.mu.Lock()
	if len(c.cache) >= maxCacheEntries {
		clear(c.cache)
	}
	c.cache[pre] = out
	c.mu.Unlock()
	return out, nil
}

// TokenToPiece writes the bytes of tok into dst and returns the count.
// Control tokens render as their literal text only when special is set.
func (c *Codec) TokenToPiece(tok Token, dst []byte, special bool) (int, error) {
	if !c.Valid(tok) {
		return 0, fmt.Errorf("token %d outside vocabulary of %d", tok, len(c.symbols))
	}
	if c.control[tok] && !special {
		return 0, nil
	}
	p := c.pieces[tok]
	if len(p) > len(dst) {
		return 0, &errs.BufferTooSmallError{Required: len(p), Available: len(dst)}
	}
	return copy(dst, p), nil
}

// Piece runs the TokenToPiece sizing loop starting from an 8 byte buffer.
func (c *Codec) Piece(tok Token, special bool) ([]byte, error) {
	buf := make([]byte, 8)
	for {
		n, err := c.TokenToPiece(tok, buf, special)
		if err == nil {
			return buf[:n], nil
		}
		need, ok := errs.Required(err)
		if !ok {
			return nil, err
		}
		buf = make([]byte, need)
	}
}

// Detokenize concatenates the pieces of tokens. Control tokens are included
// only when special is set.
func (c *Codec) Detokenize(tokens []Token, special bool) (string, error) {
	var out []byte
	for _, tok := range tokens {
		if !c.Valid(tok) {
			return "", fmt.Errorf("token %d outside vocabulary of %d", tok, len(c.symbols))
		}
		if c.control[tok] && !special {
			continue
		}
		out = append(out, c.pieces[tok]...)
	}
	return string(out), nil
}
