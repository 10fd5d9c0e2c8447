package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/model"
)

func modelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "models",
		Aliases: []string{"list-models"},
		Usage:   "List the .mcf models in a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "path to directory containing .mcf models",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if fileConfig.ModelsDir != "" && !cmd.IsSet("models-path") {
				modelsPath = fileConfig.ModelsDir
			}
			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envModelsDir))
			}
			if dir == "" {
				return cli.Exit(fmt.Sprintf("error: --models-path is required unless %s is set", envModelsDir), 1)
			}

			models, err := discoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			fmt.Printf("Models in %s:\n\n", dir)
			for _, m := range models {
				fmt.Println(describeModelFile(m))
			}
			fmt.Printf("\n%d model(s) found\n", len(models))
			return nil
		},
	}
}

// describeModelFile renders one listing line. Files that do not parse as
// models are still listed, with the reason.
func describeModelFile(path string) string {
	name := filepath.Base(path)
	f, err := model.Load(path, model.LoadOptions{VocabOnly: true})
	if err != nil {
		return fmt.Sprintf("  %-32s %10s  (unreadable: %v)", name, "-", err)
	}
	defer func() { _ = f.Close() }()
	c := f.Config
	return fmt.Sprintf("  %-32s %10s  %s %dL %dd vocab %d",
		name, formatSize(f.Bytes), c.Arch, c.Layers, c.EmbeddingSize, c.VocabSize)
}

func formatSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB"}
	v, u := float64(n), 0
	for v >= 1024 && u < len(units)-1 {
		v /= 1024
		u++
	}
	if u == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", v, units[u])
}
