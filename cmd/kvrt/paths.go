package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	envModelsDir = "KVRT_MODELS_DIR"
	envConfig    = "KVRT_CONFIG"
	envStore     = "KVRT_STORE"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveModelPath picks the model file for a command: --model wins, then
// the single .mcf in --models-path or $KVRT_MODELS_DIR, then an
// interactive choice when stdin is a terminal.
func resolveModelPath(modelFlag, modelsDir string, stdin io.Reader, stderr io.Writer) (string, error) {
	if p := strings.TrimSpace(modelFlag); p != "" {
		return filepath.Clean(p), nil
	}
	dir := strings.TrimSpace(modelsDir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envModelsDir)
	}

	models, err := discoverModels(dir)
	if err != nil {
		return "", err
	}
	switch {
	case len(models) == 0:
		return "", fmt.Errorf("no .mcf models found in %s", dir)
	case len(models) == 1:
		_, _ = fmt.Fprintf(stderr, "kvrt: using model %s\n", models[0])
		return models[0], nil
	case !stdinIsTTY():
		return "", fmt.Errorf("%d models found in %s and stdin is not interactive; set --model", len(models), dir)
	}
	return promptModel(dir, models, stdin, stderr)
}

// discoverModels lists the .mcf files directly inside dir, sorted.
func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range ents {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".mcf") {
			models = append(models, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(models)
	return models, nil
}

func promptModel(dir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "kvrt: models in %s\n", dir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%3d  %s\n", i+1, filepath.Base(m))
	}

	sc := bufio.NewScanner(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "kvrt: choose [1-%d]: ", len(models))
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no model chosen on stdin; set --model")
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(models) {
			_, _ = fmt.Fprintf(stderr, "kvrt: %q is not a listed model\n", line)
			continue
		}
		return models[n-1], nil
	}
}

// defaultStorePath is the session database used when --store is not given.
func defaultStorePath() string {
	if p := strings.TrimSpace(os.Getenv(envStore)); p != "" {
		return p
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "kvrt-sessions.db")
	}
	return filepath.Join(dir, "kvrt", "sessions.db")
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
