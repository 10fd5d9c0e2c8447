package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/inference"
)

var (
	modelPath   string
	modelsPath  string
	contextSize int64
	threads     int64
	seed        int64
	noMmap      bool
	mlock       bool
	logLevel    string
	logFormat   string
	engineLog   string
	debug       bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .mcf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .mcf models",
			Destination: &modelsPath,
		},
		&cli.BoolFlag{
			Name:        "no-mmap",
			Usage:       "read the model into memory instead of mapping it",
			Destination: &noMmap,
		},
		&cli.BoolFlag{
			Name:        "mlock",
			Usage:       "lock the mapped model in memory",
			Destination: &mlock,
		},
	}
}

// contextFlags extends modelFlags with the knobs of a decode context.
func contextFlags() []cli.Flag {
	return append(modelFlags(),
		&cli.Int64Flag{
			Name:        "ctx-size",
			Aliases:     []string{"ctx", "c"},
			Usage:       "KV cache cells (0 uses the model's training context)",
			Destination: &contextSize,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "decode worker count (0 uses every CPU)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "context RNG seed (-1 draws a random seed)",
			Value:       -1,
			Destination: &seed,
		},
	)
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.StringFlag{
			Name:        "engine-log",
			Usage:       "append engine log lines to this file instead of stderr",
			Destination: &engineLog,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func modelParams() inference.ModelParams {
	p := inference.DefaultModelParams()
	p.UseMmap = !noMmap
	p.UseMlock = mlock
	return p
}

func contextParams() inference.ContextParams {
	p := inference.DefaultContextParams()
	p.ContextSize = int(contextSize)
	p.Threads = int(threads)
	p.BatchThreads = int(threads)
	if seed >= 0 {
		p.Seed = uint32(seed)
	}
	return p
}
