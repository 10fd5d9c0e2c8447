package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvrt/internal/inference"
)

// runApp runs the CLI in-process. Commands share package-level flag
// variables, so tests using it must not run in parallel.
func runApp(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv(envConfig, filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv(envModelsDir, "")

	prevExiter := cli.OsExiter
	cli.OsExiter = func(int) {}
	t.Cleanup(func() { cli.OsExiter = prevExiter })

	app := newApp()
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	argv := append([]string{"kvrt", "--log-level", "error"}, args...)
	return app.Run(context.Background(), argv)
}

func initModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models", "tiny.mcf")
	if err := runApp(t, "init", "--out", path, "--merge", "h e", "--merge", "l l"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return path
}

func promptTokens(t *testing.T, path, text string) int {
	t.Helper()
	m, err := inference.LoadModel(path, inference.ModelParams{VocabOnly: true})
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	defer func() { _ = m.Close() }()
	ids, err := m.Codec().Encode(text, true, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return len(ids)
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := initModel(t)
	if err := runApp(t, "init", "--out", path); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}
	if err := runApp(t, "init", "--out", path, "--force", "--layers", "1"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if err := runApp(t, "init", "--out", path, "--force", "--heads", "3"); err == nil {
		t.Fatal("expected an invalid geometry to be rejected")
	}
}

func TestInfoAndTokenize(t *testing.T) {
	path := initModel(t)
	if err := runApp(t, "info", "--model", path, "--json"); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := runApp(t, "tokenize", "--model", path, "--pieces", "hello", "world"); err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if err := runApp(t, "tokenize", "--model", path, "--decode", "104,105"); err != nil {
		t.Fatalf("tokenize --decode: %v", err)
	}
	if err := runApp(t, "tokenize", "--model", path, "--decode", "999999"); err == nil {
		t.Fatal("expected an out of range id to fail")
	}
}

func TestEvalSessionReuse(t *testing.T) {
	path := initModel(t)
	dir := t.TempDir()
	sess := filepath.Join(dir, "eval.session")
	engineLog := filepath.Join(dir, "engine.log")

	args := []string{"--debug", "--engine-log", engineLog,
		"eval", "--model", path, "--prompt", "hello there", "-n", "4", "--seed", "3", "--ctx-size", "64", "--session", sess}
	if err := runApp(t, args...); err != nil {
		t.Fatalf("first eval: %v", err)
	}
	first, err := inference.ReadSessionInfo(sess)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if want := promptTokens(t, path, "hello there"); first.Tokens < want {
		t.Fatalf("session should hold the %d prompt tokens, got %d", want, first.Tokens)
	}

	if err := runApp(t, args...); err != nil {
		t.Fatalf("second eval: %v", err)
	}
	second, err := inference.ReadSessionInfo(sess)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if second.Tokens < first.Tokens {
		t.Fatalf("reused session shrank: %d -> %d", first.Tokens, second.Tokens)
	}

	raw, err := os.ReadFile(engineLog)
	if err != nil {
		t.Fatalf("engine log: %v", err)
	}
	if !strings.Contains(string(raw), "decoded batch") {
		t.Fatalf("engine log lacks decode lines: %q", raw)
	}
}

func TestEvalShiftsFullContext(t *testing.T) {
	path := initModel(t)
	err := runApp(t, "eval", "--model", path, "--prompt", "hi", "-n", "40", "--ctx-size", "16", "--keep", "1", "--seed", "1")
	if err != nil {
		t.Fatalf("eval with context shift: %v", err)
	}
	if err := runApp(t, "eval", "--model", path, "--prompt", strings.Repeat("x", 40), "--ctx-size", "16"); err == nil {
		t.Fatal("expected a prompt longer than the context to be rejected")
	}
}

func TestSessionStoreCommands(t *testing.T) {
	path := initModel(t)
	db := filepath.Join(t.TempDir(), "sessions.db")

	steps := [][]string{
		{"session", "save", "--model", path, "--store", db, "--name", "greeting", "--prompt", "hello", "--seed", "9"},
		{"session", "ls", "--store", db},
		{"session", "load", "--model", path, "--store", db, "--name", "greeting", "--max-tokens", "2"},
		{"session", "rm", "--store", db, "--name", "greeting"},
	}
	for _, args := range steps {
		if err := runApp(t, args...); err != nil {
			t.Fatalf("%s: %v", strings.Join(args[:2], " "), err)
		}
	}
	if err := runApp(t, "session", "load", "--model", path, "--store", db, "--name", "greeting"); err == nil {
		t.Fatal("expected a deleted session to be missing")
	}
}

func TestSessionFileCommands(t *testing.T) {
	path := initModel(t)
	sess := filepath.Join(t.TempDir(), "s.session")
	if err := runApp(t, "session", "save", "--model", path, "--file", sess, "--prompt", "hello"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := runApp(t, "session", "ls", "--file", sess); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if err := runApp(t, "session", "load", "--model", path, "--file", sess); err != nil {
		t.Fatalf("load: %v", err)
	}

	other := filepath.Join(t.TempDir(), "other.mcf")
	if err := runApp(t, "init", "--out", other, "--layers", "3"); err != nil {
		t.Fatalf("init other: %v", err)
	}
	if err := runApp(t, "session", "load", "--model", other, "--file", sess); err == nil {
		t.Fatal("expected a session from another model to be rejected")
	}
}

func TestBench(t *testing.T) {
	path := initModel(t)
	if err := runApp(t, "bench", "--model", path, "--pp", "8", "--tg", "4", "--runs", "1", "--warmup", "0", "-q"); err != nil {
		t.Fatalf("bench: %v", err)
	}
	if err := runApp(t, "bench", "--model", path, "--pp", "300", "--ctx-size", "64", "-q"); err == nil {
		t.Fatal("expected pp beyond the context to be rejected")
	}
}

func TestVersion(t *testing.T) {
	if err := runApp(t, "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
}

func TestModelsListing(t *testing.T) {
	path := initModel(t)
	dir := filepath.Dir(path)
	if err := os.WriteFile(filepath.Join(dir, "broken.mcf"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runApp(t, "models", "--models-path", dir); err != nil {
		t.Fatalf("models: %v", err)
	}
	if line := describeModelFile(filepath.Join(dir, "broken.mcf")); !strings.Contains(line, "unreadable") {
		t.Fatalf("unexpected line for a broken file: %q", line)
	}
	if line := describeModelFile(path); !strings.Contains(line, "kvrt-llama 2L 32d vocab 262") {
		t.Fatalf("unexpected line: %q", line)
	}
	if got := formatSize(1536); got != "1.5 KB" {
		t.Fatalf("formatSize(1536) = %q", got)
	}
	if got := formatSize(12); got != "12 B" {
		t.Fatalf("formatSize(12) = %q", got)
	}
}
