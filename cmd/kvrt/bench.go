package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/backend"
	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		promptLen  int64
		genLen     int64
		quiet      bool
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Measure prompt and single-token decode throughput",
		Flags: append(contextFlags(),
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of measured runs",
				Value:       3,
				Destination: &benchRuns,
			},
			&cli.Int64Flag{
				Name:        "pp",
				Usage:       "prompt tokens decoded as one batch per run",
				Value:       64,
				Destination: &promptLen,
			},
			&cli.Int64Flag{
				Name:        "tg",
				Usage:       "tokens decoded one at a time after the prompt",
				Value:       32,
				Destination: &genLen,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "hide the progress bar",
				Destination: &quiet,
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

			if promptLen < 1 || promptLen+genLen > int64(c.ContextSize()) {
				return cli.Exit(fmt.Sprintf("error: pp+tg must be in [1, %d]", c.ContextSize()), 1)
			}
			gen, _ := c.ThreadCounts()

			fmt.Println("=== kvrt bench ===")
			fmt.Printf("Model:      %s\n", m.Desc())
			fmt.Printf("Context:    %d cells\n", c.ContextSize())
			fmt.Printf("Threads:    %d\n", gen)
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("System:     %s\n", backend.SystemInfo())
			fmt.Printf("pp/tg:      %d/%d tokens\n", promptLen, genLen)
			fmt.Println()

			prompt := benchPrompt(int(promptLen), m.VocabSize())
			var bar *progressbar.ProgressBar
			if !quiet {
				total := (warmupRuns + benchRuns) * (1 + genLen)
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("decoding"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}

			for i := range int(warmupRuns) {
				log.Debug("warmup run", "run", i+1)
				if _, err := benchRun(c, prompt, int(genLen), bar); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}
			results := make([]inference.Timings, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Debug("benchmark run", "run", i+1)
				t, err := benchRun(c, prompt, int(genLen), bar)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, t)
			}
			if bar != nil {
				_ = bar.Finish()
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %10s %12s %12s\n", "Run", "pp tps", "tg tps", "pp time", "tg time")
			var sumPP, sumTG float64
			for i, t := range results {
				fmt.Printf("%-6d %10.2f %10.2f %12s %12s\n",
					i+1, t.PromptTPS(), t.EvalTPS(),
					t.PromptEval.Round(time.Microsecond), t.Eval.Round(time.Microsecond))
				sumPP += t.PromptTPS()
				sumTG += t.EvalTPS()
			}
			if n := float64(len(results)); n > 0 {
				fmt.Printf("\n%-6s %10.2f %10.2f\n", "Avg", sumPP/n, sumTG/n)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// benchPrompt cycles through the non-control part of the vocabulary.
func benchPrompt(n, vocab int) []tokenizer.Token {
	span := max(min(vocab, 256), 1)
	out := make([]tokenizer.Token, n)
	for i := range out {
		out[i] = tokenizer.Token(i % span)
	}
	return out
}

// benchRun clears the cache, decodes prompt as one batch and then gen
// single tokens on sequence 0.
func benchRun(c *inference.Context, prompt []tokenizer.Token, gen int, bar *progressbar.ProgressBar) (inference.Timings, error) {
	if err := c.ClearCache(); err != nil {
		return inference.Timings{}, err
	}
	if err := c.ResetTimings(); err != nil {
		return inference.Timings{}, err
	}
	b, err := batch.FromTokens(prompt, 0, 0, true)
	if err != nil {
		return inference.Timings{}, err
	}
	if err := c.Decode(b); err != nil {
		return inference.Timings{}, err
	}
	if bar != nil {
		_ = bar.Add(1)
	}

	tok := prompt[len(prompt)-1]
	for i := range gen {
		b, err := batch.FromTokens([]tokenizer.Token{tok}, kvcache.Pos(len(prompt)+i), 0, true)
		if err != nil {
			return inference.Timings{}, err
		}
		if err := c.Decode(b); err != nil {
			return inference.Timings{}, err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return c.Timings()
}
