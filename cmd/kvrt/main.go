package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "kvrt",
		Usage:  "Inference control layer: tokenize, decode and manage KV cache state",
		Flags:  loggingFlags(),
		Before: setup,
		After:  teardown,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			initCmd(),
			infoCmd(),
			modelsCmd(),
			tokenizeCmd(),
			evalCmd(),
			benchCmd(),
			sessionCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
