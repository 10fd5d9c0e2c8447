package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/sessionstore"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

var (
	storePath   string
	sessionName string
	sessionFile string
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "session database path (default $KVRT_STORE or the user cache dir)",
			Destination: &storePath,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "session name in the store",
			Destination: &sessionName,
		},
		&cli.StringFlag{
			Name:        "file",
			Usage:       "session file path; used instead of the store when set",
			Destination: &sessionFile,
		},
	}
}

func openStore(cmd *cli.Command) (*sessionstore.Store, error) {
	applyStoreConfig(cmd, fileConfig, &storePath)
	path := storePath
	if path == "" {
		path = defaultStorePath()
	}
	st, err := sessionstore.Open(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: open session store: %v", err), 1)
	}
	return st, nil
}

func sessionCmd() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Save, restore and list context state",
		Commands: []*cli.Command{
			sessionSaveCmd(),
			sessionLoadCmd(),
			sessionListCmd(),
			sessionRemoveCmd(),
		},
	}
}

func sessionSaveCmd() *cli.Command {
	var (
		prompt string
		noBOS  bool
	)
	flags := append(contextFlags(), storeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "text decoded into sequence 0 before saving",
			Required:    true,
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "no-bos",
			Usage:       "do not prepend the BOS token",
			Destination: &noBOS,
		},
	)

	return &cli.Command{
		Name:  "save",
		Usage: "Decode a prompt and save the resulting state",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if sessionName == "" && sessionFile == "" {
				return cli.Exit("error: --name or --file is required", 1)
			}

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

			tokens, err := m.Codec().Encode(prompt, !noBOS, false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tokenize: %v", err), 1)
			}
			g := &generator{ctx: c, batchSize: c.ContextSize(), log: log}
			if err := g.prefill(tokens, 0); err != nil {
				return cli.Exit(fmt.Sprintf("error: decode prompt: %v", err), 1)
			}

			if sessionFile != "" {
				if err := c.SaveSession(sessionFile, tokens); err != nil {
					return cli.Exit(fmt.Sprintf("error: save session: %v", err), 1)
				}
				log.Info("session saved", "file", sessionFile, "tokens", len(tokens))
				return nil
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			rec, err := st.Capture(ctx, c, sessionName, tokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: save session: %v", err), 1)
			}
			log.Info("session saved", "name", rec.Name, "tokens", len(rec.Tokens), "state_bytes", len(rec.State))
			return nil
		},
	}
}

func sessionLoadCmd() *cli.Command {
	var maxTokens int64

	return &cli.Command{
		Name:  "load",
		Usage: "Restore a saved state into a fresh context and print its tokens",
		Flags: append(append(contextFlags(), storeFlags()...),
			&cli.Int64Flag{
				Name:        "max-tokens",
				Usage:       "token capacity for the restored list (-1 for all)",
				Value:       -1,
				Destination: &maxTokens,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if sessionName == "" && sessionFile == "" {
				return cli.Exit("error: --name or --file is required", 1)
			}

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

			var (
				tokens []tokenizer.Token
				stored int
			)
			if sessionFile != "" {
				tokens, stored, err = c.LoadSession(sessionFile, int(maxTokens))
			} else {
				st, openErr := openStore(cmd)
				if openErr != nil {
					return openErr
				}
				defer func() { _ = st.Close() }()
				tokens, stored, err = st.Restore(ctx, c, sessionName, int(maxTokens))
			}
			if errors.Is(err, sessionstore.ErrNotFound) {
				return cli.Exit(fmt.Sprintf("error: no session named %q", sessionName), 1)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load session: %v", err), 1)
			}

			used, err := c.CacheUsed()
			if err != nil {
				return err
			}
			text, err := m.Codec().Detokenize(tokens, false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: detokenize: %v", err), 1)
			}
			fmt.Printf("tokens:     %d of %d stored\n", len(tokens), stored)
			fmt.Printf("cache used: %d of %d cells\n", used, c.ContextSize())
			fmt.Printf("seed:       %d\n", c.Seed())
			fmt.Printf("text:       %q\n", text)
			return nil
		},
	}
}

func sessionListCmd() *cli.Command {
	return &cli.Command{
		Name:    "ls",
		Aliases: []string{"list"},
		Usage:   "List stored sessions, or describe a session file with --file",
		Flags:   storeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() { _ = tw.Flush() }()

			if sessionFile != "" {
				info, err := inference.ReadSessionInfo(sessionFile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				_, _ = fmt.Fprintln(tw, "FILE\tMODEL\tTOKENS\tSTATE\tCREATED")
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					sessionFile, info.Model, info.Tokens, info.StateBytes, info.Created.Format(time.DateTime))
				return nil
			}

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			infos, err := st.List(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: list sessions: %v", err), 1)
			}
			_, _ = fmt.Fprintln(tw, "NAME\tMODEL\tTOKENS\tSTATE\tCREATED")
			for _, in := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					in.Name, in.Model, in.Tokens, in.StateBytes, in.Created.Format(time.DateTime))
			}
			return nil
		},
	}
}

func sessionRemoveCmd() *cli.Command {
	return &cli.Command{
		Name:    "rm",
		Aliases: []string{"delete"},
		Usage:   "Delete a stored session",
		Flags:   storeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if sessionName == "" {
				return cli.Exit("error: --name is required", 1)
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Delete(ctx, sessionName); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.FromContext(ctx).Info("session deleted", "name", sessionName)
			return nil
		},
	}
}
