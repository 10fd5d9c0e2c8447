package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/backend"
	"github.com/samcharles93/kvrt/internal/model"
)

type modelReport struct {
	Path        string       `json:"path"`
	Desc        string       `json:"desc"`
	Fingerprint string       `json:"fingerprint"`
	Bytes       int64        `json:"bytes"`
	Params      int64        `json:"params"`
	Mapped      bool         `json:"mapped"`
	Locked      bool         `json:"locked"`
	Config      model.Config `json:"config"`
	System      string       `json:"system"`
	MaxDevices  int          `json:"max_devices"`
}

func infoCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "info",
		Usage: "Describe a model and the host",
		Flags: append(modelFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := openModel(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			backend.Init(false)
			r := modelReport{
				Path:        m.Path(),
				Desc:        m.Desc(),
				Fingerprint: fmt.Sprintf("%016x", m.Fingerprint()),
				Bytes:       m.Size(),
				Params:      m.ParamCount(),
				Mapped:      m.Mapped(),
				Locked:      m.Locked(),
				Config:      m.Config(),
				System:      backend.SystemInfo(),
				MaxDevices:  backend.MaxDevices(),
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			cfg := r.Config
			fmt.Printf("model:        %s\n", r.Path)
			fmt.Printf("desc:         %s\n", r.Desc)
			fmt.Printf("fingerprint:  %s\n", r.Fingerprint)
			fmt.Printf("size:         %.2f MB (mapped=%v locked=%v)\n", float64(r.Bytes)/(1024*1024), r.Mapped, r.Locked)
			fmt.Printf("vocab:        %d\n", cfg.VocabSize)
			fmt.Printf("embedding:    %d\n", cfg.EmbeddingSize)
			fmt.Printf("layers:       %d\n", cfg.Layers)
			fmt.Printf("heads:        %d (kv %d, head dim %d)\n", cfg.Heads, cfg.KVHeads, cfg.HeadDim())
			fmt.Printf("train ctx:    %d\n", cfg.TrainContext)
			fmt.Printf("rope base:    %g\n", cfg.RopeFreqBase)
			fmt.Printf("system:       %s\n", r.System)
			return nil
		},
	}
}
