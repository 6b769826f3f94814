package ot

import (
	"fmt"
	"sort"

	"ethersync/internal/crdt"
)

// Engine is not safe for concurrent use: calls to HandleEditorDelta and
// ApplyDaemonChange must be serialized (the editor gateway makes them from
// its read and change goroutines, always under the connection's mutex),
// which is also what gives each open file a single, well-defined order
// between editor-originated and CRDT-originated events.
//
// Engine is the per-open-file OT state the editor gateway drives: the
// editor_inflight/daemon_inflight bookkeeping and the editor_revision/
// daemon_revision counters of the two-counter protocol, backed by a
// private mirror of the file's CRDT text.
//
// The mirror (text) is addressed by the same global Identifier space the
// Store uses, not by raw offsets. That is what lets this engine resolve an
// editor's {line,character} edit into Ops and hand them straight to
// Store.ApplyLocalOps without racing whatever else is concurrently
// mutating the document: two identifier-addressed inserts always land in a
// mutually consistent order regardless of which replica computed them
// first. No range-shifting transform is performed: an editor delta whose
// revision is not the current daemon_revision is dropped (ErrStaleRevision),
// and editor_inflight/daemon_inflight only track echoes and
// acknowledgements, not content.
type Engine struct {
	store *crdt.Store
	path  string
	node  crdt.NodeID

	text *crdt.Text

	editorRevision uint64
	daemonRevision uint64

	// editorInflight holds the ChangeIDs of edits this engine itself sent
	// to the store, in order, awaiting the store's own broadcast of that
	// change arriving back through ApplyDaemonChange, at which point it
	// is popped silently instead of being turned into a second
	// notification the editor doesn't need.
	editorInflight []crdt.ChangeID

	// daemonInflight counts CRDT-originated notifications sent to the
	// editor and not yet acknowledged. It carries no content; identifiers
	// make rebasing content-free here, so acknowledgement only has to trim
	// the counter. The editor's next delta carries the last daemon_revision
	// it applied, which is what trims it; see acknowledgeDaemonRevision.
	daemonInflight uint64
}

// NewEngine creates the OT state for one file freshly opened by one
// editor. The mirror starts as a copy of the store's characters for path,
// under their own identifiers; initialText is used only when the store does
// not track path yet. The editor gateway is responsible for reconciling any
// difference between what the editor sent on `open` and the CRDT's own
// content before constructing the engine.
func NewEngine(store *crdt.Store, path string, node crdt.NodeID, initialText string) *Engine {
	text := crdt.NewText(initialText, node)
	for _, c := range store.ResyncChanges() {
		if c.Path != path {
			continue
		}
		text = &crdt.Text{}
		for _, op := range c.Ops {
			text.Insert(op.Pos, op.Value, op.Clock)
		}
	}
	return &Engine{
		store: store,
		path:  path,
		node:  node,
		text:  text,
	}
}

// EditorRevision and DaemonRevision expose the current counters, for
// tests.
func (e *Engine) EditorRevision() uint64 { return e.editorRevision }
func (e *Engine) DaemonRevision() uint64 { return e.daemonRevision }

// DaemonInflight reports how many notifications sent to the editor are
// still unacknowledged. Bounded by how far the editor lags behind, never
// by total session length: every delta the editor sends trims it.
func (e *Engine) DaemonInflight() uint64 { return e.daemonInflight }

// ErrStaleRevision is returned by HandleEditorDelta to signal a silent
// drop; callers must not treat this as a protocol error; no reply is
// sent and the connection stays open.
var ErrStaleRevision = fmt.Errorf("ot: stale revision, delta dropped")

// HandleEditorDelta processes one editor-originated RevisionedDelta: it
// validates and applies it to the CRDT via the store, advances
// editor_revision, and records it as inflight. Returns ErrStaleRevision
// for a revision mismatch (silent drop, not a protocol failure); any other
// error is a malformed delta and the caller must close the editor
// connection.
func (e *Engine) HandleEditorDelta(rd RevisionedDelta) error {
	e.acknowledgeDaemonRevision(rd.Revision)
	if rd.Revision != e.daemonRevision {
		return ErrStaleRevision
	}

	ops, err := e.resolveEditorOps(rd.Delta)
	if err != nil {
		return fmt.Errorf("ot: malformed delta: %w", err)
	}

	id, err := e.store.ApplyLocalOps(e.path, ops)
	if err != nil {
		return err
	}
	e.editorRevision++
	e.editorInflight = append(e.editorInflight, id)
	return nil
}

// acknowledgeDaemonRevision trims daemonInflight once the editor reports
// the last daemon_revision it has applied: every notification up to that
// revision has round-tripped, so only daemonRevision - r remain in
// flight. A stale delta still acknowledges the notifications it did see,
// which is what keeps the counter bounded by the editor's lag.
func (e *Engine) acknowledgeDaemonRevision(r uint64) {
	if r > e.daemonRevision {
		return
	}
	if outstanding := e.daemonRevision - r; outstanding < e.daemonInflight {
		e.daemonInflight = outstanding
	}
}

// resolveEditorOps converts a Position-addressed Delta into identifier-
// addressed Ops, applying each one to e.text as it goes so later edits in
// the same delta see the effect of earlier ones (deltas are defined as an
// ordered, non-overlapping list anchored to the pre-edit state, but a
// multi-edit delta from an editor is still applied left to right).
func (e *Engine) resolveEditorOps(delta Delta) ([]crdt.Op, error) {
	var ops []crdt.Op
	for _, edit := range delta {
		start, err := positionToOffset(e.text.String(), edit.Range.Start)
		if err != nil {
			return nil, err
		}
		end, err := positionToOffset(e.text.String(), edit.Range.End)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("range end precedes start")
		}

		for i := 0; i < end-start; i++ {
			pos, err := e.text.PositionAt(start)
			if err != nil || pos == nil {
				break
			}
			e.text.Delete(pos)
			ops = append(ops, crdt.Op{Insert: false, Pos: pos})
		}

		offset := start
		for _, r := range edit.Replacement {
			pos, err := e.text.GenerateInsertPosition(offset, e.node)
			if err != nil {
				return nil, err
			}
			e.text.Insert(pos, r, 0)
			ops = append(ops, crdt.Op{Insert: true, Pos: pos, Value: r})
			offset++
		}
	}
	return ops, nil
}

// ApplyDaemonChange processes one Change the store dispatched (local or
// remote). It returns nil if the change does not belong to this file, was
// this engine's own echo, or transformed to an empty edit list. Otherwise
// it returns the RevisionedDelta to send the editor as an `edit`
// notification.
func (e *Engine) ApplyDaemonChange(change crdt.Change) (*RevisionedDelta, error) {
	if change.Path != e.path {
		return nil, nil
	}

	for i, id := range e.editorInflight {
		if id == change.ID {
			e.editorInflight = append(e.editorInflight[:i], e.editorInflight[i+1:]...)
			return nil, nil
		}
	}

	var edits []Edit
	for _, op := range change.Ops {
		idx := sort.Search(len(e.text.Characters), func(i int) bool {
			return crdt.ComparePositions(e.text.Characters[i].Pos, op.Pos) >= 0
		})

		if op.Insert {
			if idx < len(e.text.Characters) && crdt.ComparePositions(e.text.Characters[idx].Pos, op.Pos) == 0 {
				continue // already in this engine's view (e.g. a resync overlapping the open-time content)
			}
			pos := offsetToPosition(e.text.String(), idx)
			e.text.Insert(op.Pos, op.Value, op.Clock)
			edits = append(edits, Edit{Range: Range{Start: pos, End: pos}, Replacement: string(op.Value)})
			continue
		}

		if idx >= len(e.text.Characters) || crdt.ComparePositions(e.text.Characters[idx].Pos, op.Pos) != 0 {
			continue // already gone from this engine's view
		}
		text := e.text.String()
		start := offsetToPosition(text, idx)
		end := offsetToPosition(text, idx+1)
		e.text.Delete(op.Pos)
		edits = append(edits, Edit{Range: Range{Start: start, End: end}, Replacement: ""})
	}

	if len(edits) == 0 {
		return nil, nil
	}

	rd := &RevisionedDelta{Delta: edits, Revision: e.editorRevision}
	e.daemonRevision++
	e.daemonInflight++
	return rd, nil
}

// Text returns the engine's current view of the file, for diagnostics and
// tests.
func (e *Engine) Text() string {
	return e.text.String()
}
