package analyzer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestSourceReadsToEOF(t *testing.T) {
	path := writeLog(t, "first\r\n\n   \nsecond\nlast without newline")
	src, err := OpenSource(path, false, nil)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	for _, want := range []string{"first", "second", "last without newline"} {
		got, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %q, want %q", got, want)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next at end = %v, want io.EOF", err)
	}
}

func TestSourceMissingFile(t *testing.T) {
	if _, err := OpenSource(filepath.Join(t.TempDir(), "missing.log"), false, nil); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestSourceFollowWaitsForCompleteLines(t *testing.T) {
	path := writeLog(t, "old line\n")
	src, err := OpenSource(path, true, nil)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		line, err := src.Next(ctx)
		if err != nil {
			line = "error: " + err.Error()
		}
		got <- line
	}()

	if _, err := f.WriteString("new "); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(3 * TailPollInterval)
	if _, err := f.WriteString("line\n"); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case line := <-got:
		if line != "new line" {
			t.Fatalf("Next = %q, want %q", line, "new line")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the appended line")
	}
}

func TestSourceFollowStopsOnCancel(t *testing.T) {
	src, err := OpenSource(writeLog(t, ""), true, nil)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
}
