package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatcher_DefaultProtected(t *testing.T) {
	m := New("", DefaultProtected)
	cases := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{"Persistent", true, true},
		{"StarRail_Data/Persistent", true, true},
		{"StarRail_Data/Persistent/Audio/a.pck", false, true},
		{"StarRail_Data/Persistent", false, false},
		{"StarRail_Data/PersistentX/a", false, false},
		{"StarRail_Data/a.bin", false, false},
	}
	for _, tc := range cases {
		if got := m.Match(tc.rel, tc.isDir); got != tc.want {
			t.Fatalf("Match(%q, %v) = %v, want %v", tc.rel, tc.isDir, got, tc.want)
		}
	}
}

func TestMatcher_NegationAndGlobs(t *testing.T) {
	m := New("", []string{"*.log", "!keep.log", "/Cache/**", "# comment", ""})
	if m.Len() != 3 {
		t.Fatalf("expected 3 rules, got %d", m.Len())
	}
	if !m.Match("a/b/debug.log", false) {
		t.Fatalf("expected *.log at depth")
	}
	if m.Match("a/keep.log", false) {
		t.Fatalf("expected negation to unprotect")
	}
	if !m.Match("Cache/x/y", false) || m.Match("sub/Cache/x", false) {
		t.Fatalf("anchored pattern mismatch")
	}
	if m.Match(`a\b.txt`, false) {
		t.Fatalf("unexpected match")
	}
}

func TestNew_RuleFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "protect.txt"), []byte("Screenshots/\r\n!Screenshots/tmp.png\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := New(root, nil, "protect.txt", "missing.txt")
	if !m.Match("Screenshots/a.png", false) {
		t.Fatalf("expected rule from file")
	}
	if m.Match("Screenshots/tmp.png", false) {
		t.Fatalf("expected negated file")
	}
}
