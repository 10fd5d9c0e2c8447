package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/logger"
)

// openModel resolves and loads the model named by the model flags after
// applying the config file.
func openModel(ctx context.Context, cmd *cli.Command, vocabOnly bool) (*inference.Model, error) {
	applyModelConfig(cmd, fileConfig)
	path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
	}
	p := modelParams()
	p.VocabOnly = vocabOnly

	began := time.Now()
	m, err := inference.LoadModel(path, p)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
	}
	logger.FromContext(ctx).Debug("model loaded",
		"path", path,
		"mapped", m.Mapped(),
		"locked", m.Locked(),
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return m, nil
}

func openContext(ctx context.Context, m *inference.Model) (*inference.Context, error) {
	p := contextParams()
	p.Logger = logger.FromContext(ctx)
	c, err := inference.NewContext(m, p)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: create context: %v", err), 1)
	}
	return c, nil
}
