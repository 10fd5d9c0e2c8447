package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/api"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/sessionstore"
	"github.com/samcharles93/kvrt/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		decodeRate  float64
		decodeBurst int64
		maxContexts int64
		maxCtxSize  int64
		noStore     bool
	)

	flags := append(contextFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.FloatFlag{
			Name:        "decode-rate",
			Usage:       "decode requests per second across all contexts (0 for unlimited)",
			Destination: &decodeRate,
		},
		&cli.Int64Flag{
			Name:        "decode-burst",
			Usage:       "decode requests allowed in a burst",
			Value:       8,
			Destination: &decodeBurst,
		},
		&cli.Int64Flag{
			Name:        "max-contexts",
			Usage:       "contexts the server keeps open at once",
			Value:       16,
			Destination: &maxContexts,
		},
		&cli.Int64Flag{
			Name:        "max-ctx-size",
			Usage:       "largest context a client may request (0 for the model's training context)",
			Destination: &maxCtxSize,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "session database path (default $KVRT_STORE or the user cache dir)",
			Destination: &storePath,
		},
		&cli.BoolFlag{
			Name:        "no-store",
			Usage:       "disable the state endpoints",
			Destination: &noStore,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the context API over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &decodeRate, &decodeBurst, &maxContexts)

			m, err := openModel(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			var st *sessionstore.Store
			if !noStore {
				if st, err = openStore(cmd); err != nil {
					return err
				}
				defer func() { _ = st.Close() }()
			}

			server := api.NewServer(api.Config{
				Model:          m,
				Store:          st,
				DecodeRate:     decodeRate,
				DecodeBurst:    int(decodeBurst),
				MaxContexts:    int(maxContexts),
				MaxContextSize: int(maxCtxSize),
				Logger:         log,
			})
			defer server.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server",
				"address", addr,
				"version", version.String(),
				"model", m.Desc(),
				"store", st != nil,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
