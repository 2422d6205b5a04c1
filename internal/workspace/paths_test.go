package workspace

import (
	"errors"
	"testing"
)

func TestSplitPath(t *testing.T) {
	cases := []struct {
		path   string
		name   string
		parent string
	}{
		{"/alice", "alice", ""},
		{"/alice/notes.md", "notes.md", "/alice"},
		{"/alice/docs/deep/readme.md", "readme.md", "/alice/docs/deep"},
	}
	for _, tc := range cases {
		name, parent := SplitPath(tc.path)
		if name != tc.name || parent != tc.parent {
			t.Fatalf("SplitPath(%q) = (%q, %q), want (%q, %q)", tc.path, name, parent, tc.name, tc.parent)
		}
	}
}

func TestAncestors(t *testing.T) {
	got := Ancestors("/alice/docs/deep/readme.md")
	want := []string{"/alice", "/alice/docs", "/alice/docs/deep"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ancestors returned %v, want %v", got, want)
		}
	}
	if ancestors := Ancestors("/alice"); len(ancestors) != 0 {
		t.Fatalf("top-level path should have no ancestors, got %v", ancestors)
	}
}

func TestRewritePrefix(t *testing.T) {
	got := RewritePrefix("/alice/docs/readme.md", "/alice/docs", "/alice/archive")
	if got != "/alice/archive/readme.md" {
		t.Fatalf("RewritePrefix = %q", got)
	}
}

func TestWorkspaceOwner(t *testing.T) {
	if owner := WorkspaceOwner("/alice/docs/readme.md"); owner != "alice" {
		t.Fatalf("WorkspaceOwner = %q, want alice", owner)
	}
}

func TestValidatePathRejectsBadSegments(t *testing.T) {
	for _, path := range []string{"", "/", "relative", "/a//b", "/a/./b", "/a/../b"} {
		if err := ValidatePath(path); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("ValidatePath(%q) = %v, want ErrInvalidPath", path, err)
		}
	}
	if err := ValidatePath("/alice/docs/readme.md"); err != nil {
		t.Fatalf("ValidatePath rejected a valid path: %v", err)
	}
}
