package fsbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ethersync/internal/crdt"
	"ethersync/internal/ignore"
)

func newTestBridge(t *testing.T, dir string) (*Bridge, *crdt.Store) {
	t.Helper()
	store := crdt.NewStore(1, "", nil)
	matcher, err := ignore.Load(dir)
	if err != nil {
		t.Fatalf("ignore.Load: %v", err)
	}
	b, err := New(dir, store, 1, matcher, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, store
}

func TestEnumerateReadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if got := store.Text("a.txt"); got != "hello" {
		t.Fatalf("Text(a.txt) = %q, want %q", got, "hello")
	}
}

func TestEnumerateSkipsMarkerDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".ethersync"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".ethersync", "doc"), []byte("binarysnapshot"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(store.Paths()) != 0 {
		t.Fatalf("Paths() = %v, want empty (marker directory must never be tracked)", store.Paths())
	}
}

func TestEnumerateSkipsBinaryFiles(t *testing.T) {
	dir := t.TempDir()
	data := append([]byte("some text"), 0, 1, 2)
	if err := os.WriteFile(filepath.Join(dir, "blob.bin"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if store.HasPath("blob.bin") {
		t.Fatalf("binary file was read into the document")
	}
}

func TestEnumerateSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, store := newTestBridge(t, dir)
	b.maxSize = 0
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if store.HasPath("big.txt") {
		t.Fatalf("oversized file was read into the document")
	}
}

func TestOwnershipBlocksDiskWrite(t *testing.T) {
	dir := t.TempDir()
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	if err := b.TakeEditorOwnership("a.txt", "editor-1"); err != nil {
		t.Fatalf("TakeEditorOwnership: %v", err)
	}
	if _, err := store.ApplyLocal("a.txt", crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hi"}}); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	// Give the async store dispatch a moment to (not) run.
	time.Sleep(50 * time.Millisecond)

	if _, err := os.Stat(filepath.Join(dir, "a.txt")); err == nil {
		t.Fatalf("bridge wrote an editor-owned file to disk")
	}
}

func TestReleaseOwnershipRewritesFile(t *testing.T) {
	dir := t.TempDir()
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	if err := b.TakeEditorOwnership("a.txt", "editor-1"); err != nil {
		t.Fatalf("TakeEditorOwnership: %v", err)
	}
	if _, err := store.ApplyLocal("a.txt", crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hi"}}); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if err := b.ReleaseEditorOwnership("a.txt", "editor-1"); err != nil {
		t.Fatalf("ReleaseEditorOwnership: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("file content = %q, want %q", data, "hi")
	}
}

func TestExternalEditIsReconciledIntoStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, store := newTestBridge(t, dir)
	if err := b.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if store.Text("a.txt") == "hello world" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("external edit was never reconciled into the store, got %q", store.Text("a.txt"))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
