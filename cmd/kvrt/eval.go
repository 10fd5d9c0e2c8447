package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/tensor"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func evalCmd() *cli.Command {
	var (
		prompt    string
		file      string
		steps     int64
		batchSize int64
		keep      int64
		session   string
		noBOS     bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Decode a prompt and extend it greedily",
		Flags: append(contextFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "file",
				Usage:       "read the prompt from a file ('-' for stdin)",
				Destination: &file,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "tokens to generate after the prompt",
				Value:       32,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "prompt tokens per decode call",
				Value:       64,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "keep",
				Usage:       "prompt tokens kept when the cache fills and the context is shifted",
				Destination: &keep,
			},
			&cli.StringFlag{
				Name:        "session",
				Usage:       "session file: reuse its cached prefix and save the result back",
				Destination: &session,
			},
			&cli.BoolFlag{
				Name:        "no-bos",
				Usage:       "do not prepend the BOS token",
				Destination: &noBOS,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			m, err := openModel(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			c, err := openContext(ctx, m)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			text := prompt
			if file != "" {
				if text, err = readText(file, nil); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			codec := m.Codec()
			tokens, err := codec.Encode(text, !noBOS, false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tokenize: %v", err), 1)
			}
			if len(tokens) == 0 {
				return cli.Exit("error: empty prompt", 1)
			}
			if len(tokens) > c.ContextSize() {
				return cli.Exit(fmt.Sprintf("error: prompt has %d tokens, context holds %d", len(tokens), c.ContextSize()), 1)
			}

			reused := 0
			if session != "" {
				if reused, err = reuseSession(c, session, tokens); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				log.Info("session prefix reused", "path", session, "tokens", reused)
			}

			g := &generator{ctx: c, batchSize: max(int(batchSize), 1), keep: int(keep), log: log}
			if err := g.prefill(tokens, reused); err != nil {
				return cli.Exit(fmt.Sprintf("error: decode prompt: %v", err), 1)
			}
			fmt.Print(text)

			for range int(steps) {
				logits, err := c.Logits()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read logits: %v", err), 1)
				}
				next := tokenizer.Token(tensor.Argmax(logits))
				if next == codec.EOS() {
					break
				}
				piece, err := codec.Piece(next, false)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: piece %d: %v", next, err), 1)
				}
				fmt.Print(string(piece))
				if err := g.step(next); err != nil {
					return cli.Exit(fmt.Sprintf("error: decode: %v", err), 1)
				}
			}
			fmt.Println()

			if session != "" {
				if err := c.SaveSession(session, g.history); err != nil {
					return cli.Exit(fmt.Sprintf("error: save session: %v", err), 1)
				}
			}
			return c.LogTimings()
		},
	}
}

// generator tracks the tokens held by sequence 0 of a context.
type generator struct {
	ctx       *inference.Context
	batchSize int
	keep      int
	history   []tokenizer.Token
	log       logger.Logger
}

// prefill decodes tokens[from:], assuming tokens[:from] are already cached
// at positions [0, from).
func (g *generator) prefill(tokens []tokenizer.Token, from int) error {
	g.history = append(g.history[:0], tokens[:from]...)
	for i := from; i < len(tokens); i += g.batchSize {
		end := min(i+g.batchSize, len(tokens))
		b, err := batch.FromTokens(tokens[i:end], kvcache.Pos(i), 0, end == len(tokens))
		if err != nil {
			return err
		}
		if err := g.ctx.Decode(b); err != nil {
			return err
		}
		g.history = append(g.history, tokens[i:end]...)
	}
	return nil
}

// step appends one token. When the cache is full it discards half of the
// tokens after the kept prefix and shifts the rest down before retrying.
func (g *generator) step(tok tokenizer.Token) error {
	if len(g.history) >= g.ctx.ContextSize() {
		if err := g.shift(); err != nil {
			return err
		}
	}
	b, err := batch.FromTokens([]tokenizer.Token{tok}, kvcache.Pos(len(g.history)), 0, true)
	if err != nil {
		return err
	}
	if err := g.ctx.Decode(b); err != nil {
		return err
	}
	g.history = append(g.history, tok)
	return nil
}

func (g *generator) shift() error {
	n := len(g.history)
	keep := min(g.keep, n-1)
	discard := (n - keep) / 2
	if discard == 0 {
		return fmt.Errorf("context of %d cells cannot be shifted with %d kept tokens", g.ctx.ContextSize(), keep)
	}
	p0, p1 := kvcache.Pos(keep), kvcache.Pos(keep+discard)
	if _, err := g.ctx.RemoveRange(0, p0, p1); err != nil {
		return err
	}
	if _, err := g.ctx.ShiftPositions(0, p1, kvcache.End, int32(-discard)); err != nil {
		return err
	}
	g.history = append(g.history[:keep], g.history[keep+discard:]...)
	g.log.Debug("context shifted", "kept", keep, "discarded", discard, "remaining", len(g.history))
	return nil
}

// reuseSession restores path into c and trims the cache to the longest
// prefix shared with tokens. At least one prompt token is left to decode
// so the context has fresh logits. A missing file reuses nothing.
func reuseSession(c *inference.Context, path string, tokens []tokenizer.Token) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	cached, _, err := c.LoadSession(path, c.ContextSize())
	if err != nil {
		return 0, err
	}
	n := commonPrefix(cached, tokens)
	if n == len(tokens) {
		n--
	}
	if _, err := c.RemoveRange(0, kvcache.Pos(n), kvcache.End); err != nil {
		return 0, err
	}
	return n, nil
}

func commonPrefix(a, b []tokenizer.Token) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
