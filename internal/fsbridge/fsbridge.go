// Package fsbridge owns a project's files on disk whenever no editor has
// them open: it enumerates the tree at startup, watches for external
// edits with fsnotify, and reconciles what it sees with the CRDT store.
package fsbridge

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"ethersync/internal/crdt"
	"ethersync/internal/diff"
	"ethersync/internal/ignore"
)

// MaxFileSize is the largest file the bridge will read into the document.
// Larger files are skipped entirely: never read, never synced.
const MaxFileSize = 10 << 20 // 10 MiB

// sniffWindow is how many leading bytes are inspected for a null byte when
// deciding whether a file is binary.
const sniffWindow = 8 << 10 // 8 KiB

// Bridge watches a project directory and enforces the ownership rule: a
// daemon-owned file's on-disk bytes always mirror the CRDT text; an
// editor-owned file is left entirely alone until the editor closes it.
type Bridge struct {
	root    string
	store   *crdt.Store
	ignore  *ignore.Matcher
	node    crdt.NodeID
	logger  *log.Logger
	maxSize int64

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	editorOwner map[string]string // path -> editor id; absent means daemon-owned
	watchedDirs map[string]bool

	unsubscribe func()
}

// New builds a Bridge rooted at dir. The store should not yet have any
// listeners relevant to this project; New subscribes to it so every daemon-
// owned file stays in sync with future local and remote changes.
func New(dir string, store *crdt.Store, node crdt.NodeID, matcher *ignore.Matcher, logger *log.Logger) (*Bridge, error) {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsbridge: create watcher: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fsbridge: resolve project root: %w", err)
	}
	b := &Bridge{
		root:        abs,
		store:       store,
		ignore:      matcher,
		node:        node,
		logger:      logger,
		maxSize:     MaxFileSize,
		watcher:     watcher,
		editorOwner: make(map[string]string),
		watchedDirs: make(map[string]bool),
	}
	b.unsubscribe = store.Subscribe(b.onStoreChange)
	return b, nil
}

// Enumerate walks the project root once, reading every eligible file into
// the store that isn't already tracked, and begins watching every
// directory found along the way. Call this once at startup, before
// accepting editors or peers.
func (b *Bridge) Enumerate() error {
	if err := b.watchDir(b.root); err != nil {
		return err
	}
	return filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries, don't abort the walk
		}
		rel, relErr := filepath.Rel(b.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if b.ignore.Ignored(rel) {
				return filepath.SkipDir
			}
			return b.watchDir(p)
		}
		b.readIntoStore(rel, p)
		return nil
	})
}

// watchDir adds dir (and only dir, non-recursively; fsnotify.Watcher does
// not watch subtrees on its own) to the watcher, once.
func (b *Bridge) watchDir(dir string) error {
	b.mu.Lock()
	if b.watchedDirs[dir] {
		b.mu.Unlock()
		return nil
	}
	b.watchedDirs[dir] = true
	b.mu.Unlock()

	if err := b.watcher.Add(dir); err != nil {
		return fmt.Errorf("fsbridge: watch %s: %w", dir, err)
	}
	return nil
}

// Run processes filesystem events until ctx is cancelled. It must run on
// its own goroutine; events are handled one at a time so a burst of saves
// never races the store.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Printf("fsbridge: watcher error: %v", err)
		}
	}
}

// Close stops watching and unsubscribes from the store.
func (b *Bridge) Close() error {
	b.unsubscribe()
	return b.watcher.Close()
}

func (b *Bridge) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(b.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if b.ignore.Ignored(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			b.watchDir(ev.Name)
			return
		}
	}

	if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		b.reconcile(rel, ev.Name)
		return
	}
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		b.reconcileRemoved(rel)
	}
}

// readIntoStore loads a file's content into the store at startup, if it
// isn't already tracked and passes every eligibility check.
func (b *Bridge) readIntoStore(rel, abs string) {
	if b.ignore.Ignored(rel) || b.store.HasPath(rel) {
		return
	}
	content, ok := b.readEligible(abs)
	if !ok {
		return
	}
	if content == "" {
		return
	}
	if _, err := b.store.ApplyLocal(rel, crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: content}}); err != nil {
		b.logger.Printf("fsbridge: loading %s into the document: %v", rel, err)
	}
}

// reconcile handles a create/write event for an unowned path: it diffs the
// new on-disk content against the store's view and applies the result as a
// local delta. If an editor owns the path, the disk change is dropped;
// the editor is authoritative.
func (b *Bridge) reconcile(rel, abs string) {
	if b.ignore.Ignored(rel) {
		return
	}
	b.mu.Lock()
	_, editorOwned := b.editorOwner[rel]
	b.mu.Unlock()
	if editorOwned {
		return
	}

	content, ok := b.readEligible(abs)
	if !ok {
		return
	}

	old := b.store.Text(rel)
	delta := diff.Compute(old, content)
	if delta == nil {
		return
	}
	if _, err := b.store.ApplyLocal(rel, delta); err != nil {
		b.logger.Printf("fsbridge: reconciling external edit to %s: %v", rel, err)
	}
}

// reconcileRemoved handles a delete/rename of an unowned, previously
// tracked path by diffing its stored text down to empty.
func (b *Bridge) reconcileRemoved(rel string) {
	b.mu.Lock()
	_, editorOwned := b.editorOwner[rel]
	b.mu.Unlock()
	if editorOwned || !b.store.HasPath(rel) {
		return
	}
	old := b.store.Text(rel)
	if delta := diff.Compute(old, ""); delta != nil {
		if _, err := b.store.ApplyLocal(rel, delta); err != nil {
			b.logger.Printf("fsbridge: reconciling removal of %s: %v", rel, err)
		}
	}
}

// readEligible reads abs if it passes the size, binary, and symlink
// eligibility rules, returning ok=false (and logging nothing; these are
// routine, expected skips, not errors) if it doesn't.
func (b *Bridge) readEligible(abs string) (content string, ok bool) {
	info, err := os.Lstat(abs)
	if err != nil {
		return "", false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", false
		}
		relToRoot, err := filepath.Rel(b.root, target)
		if err != nil || relToRoot == ".." || hasDotDotPrefix(relToRoot) {
			return "", false // never follow a symlink outside the project root
		}
		info, err = os.Stat(abs)
		if err != nil {
			return "", false
		}
	}
	if !info.Mode().IsRegular() {
		return "", false
	}
	if info.Size() > b.maxSize {
		return "", false
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", false
	}
	if looksBinary(data) {
		return "", false
	}
	return string(data), true
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > sniffWindow {
		n = sniffWindow
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func hasDotDotPrefix(p string) bool {
	return p == ".." || len(p) >= 3 && p[:3] == "../"
}

// TakeEditorOwnership marks path as owned by editorID: the bridge must
// stop writing to it. Returns an error if another editor already owns it.
func (b *Bridge) TakeEditorOwnership(path, editorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.editorOwner[path]; ok && owner != editorID {
		return fmt.Errorf("fsbridge: %s is already owned by another editor", path)
	}
	b.editorOwner[path] = editorID
	return nil
}

// ReleaseEditorOwnership yields path back to the daemon once editorID was
// its last owning editor, rewriting the file with the store's current
// content before resuming watching.
func (b *Bridge) ReleaseEditorOwnership(path, editorID string) error {
	b.mu.Lock()
	owner, ok := b.editorOwner[path]
	if ok && owner == editorID {
		delete(b.editorOwner, path)
	}
	b.mu.Unlock()
	if !ok || owner != editorID {
		return nil
	}
	return b.writeOwned(path)
}

// onStoreChange rewrites a daemon-owned file whenever the store dispatches
// a change for its path. Editor-owned paths are skipped: the editor is
// authoritative on disk until it closes the file.
func (b *Bridge) onStoreChange(c crdt.Change) {
	b.mu.Lock()
	_, editorOwned := b.editorOwner[c.Path]
	b.mu.Unlock()
	if editorOwned {
		return
	}
	if err := b.writeOwned(c.Path); err != nil {
		b.logger.Printf("fsbridge: writing %s to disk: %v", c.Path, err)
	}
}

// writeOwned writes the store's current content for path to disk
// atomically-enough for a single-writer file (plain write; unlike the CRDT
// snapshot, a torn write here only ever affects a file the daemon itself
// immediately re-reads on its own next change).
func (b *Bridge) writeOwned(path string) error {
	abs := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("fsbridge: create directory for %s: %w", path, err)
	}
	content := b.store.Text(path)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("fsbridge: write %s: %w", path, err)
	}
	b.watchDir(filepath.Dir(abs))
	return nil
}
