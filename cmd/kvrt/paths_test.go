package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func withTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestDiscoverModelsSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mcf", "A.MCF", "notes.txt"} {
		touch(t, filepath.Join(dir, name))
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.mcf"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := discoverModels(dir)
	if err != nil {
		t.Fatalf("discoverModels: %v", err)
	}
	want := []string{filepath.Join(dir, "A.MCF"), filepath.Join(dir, "b.mcf")}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %q want %q", i, got[i], want[i])
		}
	}

	if _, err := discoverModels(filepath.Join(dir, "notes.txt")); err == nil {
		t.Fatal("expected an error for a file path")
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag wins", func(t *testing.T) {
		t.Setenv(envModelsDir, t.TempDir())
		got, err := resolveModelPath(" /tmp/x/../m.mcf ", "", nil, io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath: %v", err)
		}
		if got != "/tmp/m.mcf" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		if _, err := resolveModelPath("", "", nil, io.Discard); err == nil {
			t.Fatal("expected an error without --model or a models dir")
		}
	})

	t.Run("single model from env", func(t *testing.T) {
		dir := t.TempDir()
		only := filepath.Join(dir, "only.mcf")
		touch(t, only)
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)

		var stderr bytes.Buffer
		got, err := resolveModelPath("", "", nil, &stderr)
		if err != nil {
			t.Fatalf("resolveModelPath: %v", err)
		}
		if got != only {
			t.Fatalf("got %q want %q", got, only)
		}
		if !bytes.Contains(stderr.Bytes(), []byte("only.mcf")) {
			t.Fatalf("expected the choice to be reported, got %q", stderr.String())
		}
	})

	t.Run("models path flag beats env", func(t *testing.T) {
		flagDir, envDir := t.TempDir(), t.TempDir()
		touch(t, filepath.Join(flagDir, "flag.mcf"))
		t.Setenv(envModelsDir, envDir)

		got, err := resolveModelPath("", flagDir, nil, io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath: %v", err)
		}
		if filepath.Base(got) != "flag.mcf" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("several models need a terminal", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "a.mcf"))
		touch(t, filepath.Join(dir, "b.mcf"))
		withTTY(t, false)

		if _, err := resolveModelPath("", dir, bytes.NewBufferString("1\n"), io.Discard); err == nil {
			t.Fatal("expected an error when stdin is not interactive")
		}
	})

	t.Run("interactive choice skips bad input", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "a.mcf"))
		touch(t, filepath.Join(dir, "b.mcf"))
		withTTY(t, true)

		var stderr bytes.Buffer
		got, err := resolveModelPath("", dir, bytes.NewBufferString("\nzero\n9\n2\n"), &stderr)
		if err != nil {
			t.Fatalf("resolveModelPath: %v", err)
		}
		if filepath.Base(got) != "b.mcf" {
			t.Fatalf("got %q", got)
		}
		if !bytes.Contains(stderr.Bytes(), []byte(`"zero" is not a listed model`)) {
			t.Fatalf("expected a rejection message, got %q", stderr.String())
		}
	})

	t.Run("interactive choice hits EOF", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "a.mcf"))
		touch(t, filepath.Join(dir, "b.mcf"))
		withTTY(t, true)

		if _, err := resolveModelPath("", dir, bytes.NewBufferString("7\n"), io.Discard); err == nil {
			t.Fatal("expected an error when stdin ends without a valid choice")
		}
	})
}

func TestDefaultStorePathHonoursEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.db")
	t.Setenv(envStore, p)
	if got := defaultStorePath(); got != p {
		t.Fatalf("got %q want %q", got, p)
	}
}
