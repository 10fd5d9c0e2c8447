package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	log.Warn("kept", "cells", 4)
	out := buf.String()
	if !strings.Contains(out, "kept") || !strings.Contains(out, `"cells":4`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
}

func TestOpenFormats(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"", "pretty", "text", "json"} {
		var buf bytes.Buffer
		log, err := Open(format, &buf, slog.LevelInfo)
		if err != nil {
			t.Fatalf("Open(%q): %v", format, err)
		}
		log.Info("hello", "seq", 1)
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("Open(%q) wrote %q", format, buf.String())
		}
	}
	if _, err := Open("xml", &bytes.Buffer{}, slog.LevelInfo); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPrettyGroupsAndQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
	l := slog.New(h.WithGroup("a").WithGroup("b").WithAttrs([]slog.Attr{slog.String("svc", "kv")}))
	l.Info("nested", "text", "hello world", "plain", "x")

	out := buf.String()
	for _, want := range []string{"a.b.svc=kv", `a.b.text="hello world"`, "a.b.plain=x"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

// The callback slot is process-wide, so the tests touching it do not run in
// parallel.
func TestEngineRoutesToCallback(t *testing.T) {
	var buf bytes.Buffer
	log := Engine(JSON(&buf, slog.LevelInfo)).With("ctx", "c1")

	type line struct {
		level Level
		msg   string
	}
	var (
		mu  sync.Mutex
		got []line
	)
	prev := SetCallback(func(level Level, msg string) {
		mu.Lock()
		got = append(got, line{level, msg})
		mu.Unlock()
	})
	t.Cleanup(func() { SetCallback(prev) })

	log.Warn("slot search failed", "need", 3)
	log.Debug("verbose")

	if buf.Len() != 0 {
		t.Fatalf("fallback handler should be bypassed, got %s", buf.String())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 callback lines, got %d", len(got))
	}
	if got[0].level != LevelWarn || got[0].msg != "slot search failed ctx=c1 need=3" {
		t.Fatalf("unexpected first line: %+v", got[0])
	}
	if got[1].level != LevelDebug {
		t.Fatalf("expected debug level, got %v", got[1].level)
	}
}

func TestSetCallbackReplaces(t *testing.T) {
	var first, second int
	prev := SetCallback(func(Level, string) { first++ })
	t.Cleanup(func() { SetCallback(prev) })

	replaced := SetCallback(func(Level, string) { second++ })
	if replaced == nil {
		t.Fatal("expected the first callback to be returned")
	}

	var buf bytes.Buffer
	Engine(JSON(&buf, slog.LevelInfo)).Info("hello")
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d", first, second)
	}

	SetCallback(nil)
	Engine(JSON(&buf, slog.LevelInfo)).Info("back to default")
	if !strings.Contains(buf.String(), "back to default") {
		t.Fatalf("expected fallback output after clearing the slot, got %q", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()
	if LevelError.String() != "error" || LevelOf(slog.LevelWarn+1) != LevelWarn {
		t.Fatal("level mapping mismatch")
	}
}
