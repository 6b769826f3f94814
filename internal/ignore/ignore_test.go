package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkerDirectoryAlwaysIgnored(t *testing.T) {
	m, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Ignored(".ethersync") {
		t.Errorf("Ignored(.ethersync) = false, want true")
	}
	if !m.Ignored(".ethersync/doc") {
		t.Errorf("Ignored(.ethersync/doc) = false, want true")
	}
	if m.Ignored("notes.txt") {
		t.Errorf("Ignored(notes.txt) = true, want false")
	}
}

func TestGitignorePatternsApply(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\nbuild/\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Ignored("debug.log") {
		t.Errorf("Ignored(debug.log) = false, want true")
	}
	if !m.Ignored("build/output.bin") {
		t.Errorf("Ignored(build/output.bin) = false, want true")
	}
	if m.Ignored("main.go") {
		t.Errorf("Ignored(main.go) = true, want false")
	}
}

func TestMissingGitignoreIsNotAnError(t *testing.T) {
	if _, err := Load(t.TempDir()); err != nil {
		t.Fatalf("Load with no .gitignore: %v", err)
	}
}
