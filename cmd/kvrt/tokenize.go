package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func tokenizeCmd() *cli.Command {
	var (
		file    string
		noBOS   bool
		special bool
		pieces  bool
		decode  bool
	)

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Print the token ids of text, or the text of token ids with --decode",
		ArgsUsage: "[text...]",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "file",
				Usage:       "read the text from a file ('-' for stdin)",
				Destination: &file,
			},
			&cli.BoolFlag{
				Name:        "no-bos",
				Usage:       "do not prepend the BOS token",
				Destination: &noBOS,
			},
			&cli.BoolFlag{
				Name:        "special",
				Usage:       "match control token text and render control tokens",
				Destination: &special,
			},
			&cli.BoolFlag{
				Name:        "pieces",
				Usage:       "print one token per line with its text",
				Destination: &pieces,
			},
			&cli.BoolFlag{
				Name:        "decode",
				Usage:       "treat the arguments as token ids and print their text",
				Destination: &decode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := openModel(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			codec := m.Codec()

			if decode {
				ids, err := parseTokenIDs(cmd.Args().Slice())
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				text, err := codec.Detokenize(ids, special)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: detokenize: %v", err), 1)
				}
				fmt.Println(text)
				return nil
			}

			text, err := readText(file, cmd.Args().Slice())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			ids, err := codec.Encode(text, !noBOS, special)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tokenize: %v", err), 1)
			}
			if !pieces {
				fmt.Println(formatTokens(ids))
				return nil
			}
			for _, id := range ids {
				piece, err := codec.Piece(id, true)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: piece %d: %v", id, err), 1)
				}
				fmt.Printf("%6d -> %q\n", id, piece)
			}
			return nil
		},
	}
}

func readText(file string, args []string) (string, error) {
	switch file {
	case "":
		return strings.Join(args, " "), nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	default:
		b, err := os.ReadFile(file)
		return string(b), err
	}
}

func parseTokenIDs(args []string) ([]tokenizer.Token, error) {
	var ids []tokenizer.Token
	for _, a := range args {
		for f := range strings.FieldsFuncSeq(a, func(r rune) bool { return r == ',' || r == ' ' || r == '[' || r == ']' }) {
			n, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("token id %q: %w", f, err)
			}
			ids = append(ids, tokenizer.Token(n))
		}
	}
	return ids, nil
}

func formatTokens(ids []tokenizer.Token) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	b.WriteByte(']')
	return b.String()
}
