package utils_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KaramelBytes/datachat/internal/utils"
)

func TestCountTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		min  int
	}{
		{"empty", "", 0},
		{"simple", "hello world", 2},
		{"long", strings.Repeat("a", 4000), 900}, // heuristic ~ 1 tok ≈ 4 chars
	}
	for _, c := range cases {
		if got := utils.CountTokens(c.in); got < c.min {
			t.Errorf("%s: got %d < min %d", c.name, got, c.min)
		}
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	text := strings.Repeat("abcd ", 1000) // ~5000 chars
	trunc := utils.TruncateToTokenLimit(text, 300)
	n := utils.CountTokens(trunc)
	if n > 300 {
		t.Fatalf("tokens=%d exceeds limit", n)
	}
	if len(trunc) == 0 {
		t.Fatalf("expected non-empty truncation")
	}
}

func TestKeepNewest(t *testing.T) {
	items := []string{strings.Repeat("a", 40), strings.Repeat("b", 40), strings.Repeat("c", 40)} // 10 tokens each
	got := utils.KeepNewest(items, 25)
	if len(got) != 2 || got[0][0] != 'b' || got[1][0] != 'c' {
		t.Fatalf("unexpected suffix: %v", got)
	}
	if len(utils.KeepNewest(items, 0)) != 3 {
		t.Fatalf("non-positive limit must keep all items")
	}
	if len(utils.KeepNewest(items, 5)) != 0 {
		t.Fatalf("expected nothing to fit")
	}
}

func TestSafeWriteAndCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nested", "a.txt")
	if err := utils.SafeWriteFile(src, []byte("payload")); err != nil {
		t.Fatalf("SafeWriteFile: %v", err)
	}
	dst := filepath.Join(dir, "copy", "b.txt")
	if err := utils.CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "payload" {
		t.Fatalf("unexpected copy: %q %v", b, err)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
