package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/model"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func initCmd() *cli.Command {
	var (
		out        string
		force      bool
		weightSeed int64
		merges     []string
		layers     int64
		embd       int64
		heads      int64
		kvHeads    int64
		ffn        int64
		trainCtx   int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialised model with a byte-level tokenizer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .mcf path",
				Required:    true,
				Destination: &out,
			},
			&cli.BoolFlag{
				Name:        "force",
				Aliases:     []string{"f"},
				Usage:       "overwrite an existing file",
				Destination: &force,
			},
			&cli.Int64Flag{
				Name:        "weight-seed",
				Usage:       "seed for the random weights",
				Value:       1,
				Destination: &weightSeed,
			},
			&cli.StringSliceFlag{
				Name:        "merge",
				Usage:       `BPE merge as two space separated symbols, e.g. "t h" (repeatable, applied in order)`,
				Destination: &merges,
			},
			&cli.Int64Flag{Name: "layers", Usage: "decoder layers", Value: 2, Destination: &layers},
			&cli.Int64Flag{Name: "embd", Usage: "hidden size", Value: 32, Destination: &embd},
			&cli.Int64Flag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &heads},
			&cli.Int64Flag{Name: "kv-heads", Usage: "key/value heads", Value: 2, Destination: &kvHeads},
			&cli.Int64Flag{Name: "ffn", Usage: "feed-forward size", Value: 64, Destination: &ffn},
			&cli.Int64Flag{Name: "train-ctx", Usage: "training context length", Value: 256, Destination: &trainCtx},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if _, err := os.Stat(out); err == nil && !force {
				return cli.Exit(fmt.Sprintf("error: %s exists; pass --force to overwrite", out), 1)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return cli.Exit(fmt.Sprintf("error: stat %s: %v", out, err), 1)
			}

			pairs, err := parseMerges(merges)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tokJSON, err := tokenizer.ByteLevelJSON(pairs, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build tokenizer: %v", err), 1)
			}
			codec, err := tokenizer.Load(tokJSON, tokenizer.Options{})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build tokenizer: %v", err), 1)
			}

			cfg := model.Tiny(codec.VocabSize())
			cfg.Layers = int(layers)
			cfg.EmbeddingSize = int(embd)
			cfg.Heads = int(heads)
			cfg.KVHeads = int(kvHeads)
			cfg.FFNSize = int(ffn)
			cfg.TrainContext = int(trainCtx)

			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := model.Generate(out, cfg, uint64(weightSeed), tokJSON); err != nil {
				return cli.Exit(fmt.Sprintf("error: write model: %v", err), 1)
			}
			log.Info("model written",
				"path", out,
				"vocab", cfg.VocabSize,
				"layers", cfg.Layers,
				"params", model.ParamCount(cfg),
			)
			return nil
		},
	}
}

// parseMerges splits "a b" flag values into merge pairs.
func parseMerges(raw []string) ([][2]string, error) {
	pairs := make([][2]string, 0, len(raw))
	for _, r := range raw {
		a, b, ok := strings.Cut(strings.TrimSpace(r), " ")
		b = strings.TrimSpace(b)
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("merge %q: want two space separated symbols", r)
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, nil
}
