package tokenizer

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

type hfTokenizerJSON struct {
	Model struct {
		Type     string           `json:"type"`
		Vocab    map[string]Token `json:"vocab"`
		Merges   []any            `json:"merges"`
		UnkToken string           `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	AddedTokens []addedToken `json:"added_tokens"`
}

type addedToken struct {
	ID      Token  `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Options overrides control token detection.
type Options struct {
	BOS string
	EOS string
}

var (
	bosCandidates = []string{"<|bos|>", "<|begin_of_text|>", "<|startoftext|>", "<s>"}
	eosCandidates = []string{"<|eos|>", "<|end_of_text|>", "<|endoftext|>", "<|im_end|>", "</s>"}
)

// Load builds a Codec from a HuggingFace byte-level BPE tokenizer.json.
func Load(data []byte, opts Options) (*Codec, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if t := strings.ToUpper(tj.Model.Type); t != "BPE" && t != "" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	maxID := Token(-1)
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	if maxID < 0 {
		return nil, fmt.Errorf("tokenizer.json has an empty vocabulary")
	}

	c := &Codec{
		symbols: make([]string, maxID+1),
		pieces:  make([][]byte, maxID+1),
		control: make([]bool, maxID+1),
		encoder: make(map[string]Token, len(tj.Model.Vocab)),
		ranks:   make(map[Pair]int, len(tj.Model.Merges)),
		bytes:   newByteTable(),
		cache:   make(map[string][]Token),
		bos:     -1,
		eos:     -1,
		nl:      -1,
		unk:     -1,
	}
	for sym, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative token id %d for %q", id, sym)
		}
		c.symbols[id] = sym
		c.pieces[id] = c.bytes.decode(sym)
		c.encoder[sym] = id
	}

	controlIDs := make(map[string]Token)
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			continue
		}
		c.symbols[at.ID] = at.Content
		c.pieces[at.ID] = []byte(at.Content)
		if at.Special || looksControl(at.Content) {
			c.control[at.ID] = true
			controlIDs[at.Content] = at.ID
			c.controls = append(c.controls, at.Content)
		} else {
			c.encoder[c.bytes.encode(at.Content)] = at.ID
		}
	}
	sortLongestFirst(c.controls)
	c.controlIDs = controlIDs

	rank := 0
	for _, raw := range tj.Model.Merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			var ok bool
			a, b, ok = strings.Cut(strings.TrimSpace(v), " ")
			if !ok || strings.HasPrefix(v, "#") {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, _ = v[0].(string)
			b, _ = v[1].(string)
		}
		if a == "" || b == "" {
			continue
		}
		p := Pair{a, b}
		if _, dup := c.ranks[p]; !dup {
			c.ranks[p] = rank
			rank++
		}
	}

	regex := tj.PreTokenizer.Pattern.Regex
	for _, p := range tj.PreTokenizer.Pretokenizers {
		if p.Type == "Split" && p.Pattern.Regex != "" {
			regex = p.Pattern.Regex
			break
		}
	}
	pat, err := preTokenizer(regex)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer pattern: %w", err)
	}
	c.pattern = pat

	if id, ok := c.encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		c.unk = id
	} else if id, ok := controlIDs[tj.Model.UnkToken]; ok {
		c.unk = id
	}
	if id, ok := c.encoder[c.bytes.encode("\n")]; ok {
		c.nl = id
	}
	c.bos = pickControl(controlIDs, opts.BOS, bosCandidates)
	c.eos = pickControl(controlIDs, opts.EOS, eosCandidates)
	return c, nil
}

func pickControl(ids map[string]Token, override string, candidates []string) Token {
	if override != "" {
		if id, ok := ids[override]; ok {
			return id
		}
		return -1
	}
	for _, name := range candidates {
		if id, ok := ids[name]; ok {
			return id
		}
	}
	return -1
}
