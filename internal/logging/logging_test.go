package logging

import (
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitReadTailClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	Init(path)
	t.Cleanup(Shutdown)

	for i := 0; i < 5; i++ {
		log.Printf("[test] line %d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[1], "[test] line 4") {
		t.Errorf("last line = %q", lines[1])
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail after clear: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty log after clear, got %q", tail)
	}
}

func TestReadTailWithoutFile(t *testing.T) {
	Init("")
	t.Cleanup(Shutdown)
	tail, err := ReadTail(10)
	if err != nil || tail != "" {
		t.Errorf("ReadTail = %q, %v", tail, err)
	}
}
