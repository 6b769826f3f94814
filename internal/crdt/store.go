package crdt

import (
	"log"
	"os"
	"sync"
)

// Listener receives every Change a Store applies, local or remote, in the
// same total order the Store itself applied them in. Registered listeners
// are the only way the OT engine, the file bridge, and the peer transport
// observe document mutations; none of them touch Document directly. The
// notification fan-out runs on its own goroutine so a slow or misbehaving
// listener can never block the document task.
type Listener func(Change)

// reqBuffer bounds the document task's inbox. Callers block once it fills;
// that is the backpressure: editor connections, the file bridge, and peer
// sessions all slow down together instead of queueing without bound.
const reqBuffer = 64

// Store is the single owner of one project's Document. A dedicated
// goroutine (run) serializes every mutation and read: the public methods
// never touch document state themselves, they send a closure to that task
// over a bounded channel and wait for it to execute. Task locality, not a
// mutex, is what guards the document. It also gives the daemon a single
// total order of CRDT mutations, and makes each mutation atomic with its
// listener notification: no two concurrent callers can apply changes in
// one order and have listeners observe them in another.
type Store struct {
	// Document state. Owned by the run goroutine; nothing outside a
	// closure executed by it may read or write these fields.
	doc          *Document
	node         NodeID
	seq          uint64
	charClock    uint64
	vv           map[NodeID]uint64
	writing      bool
	dirty        bool
	onPersistErr func(error)

	// persistPath is immutable after NewStore and safe to read anywhere.
	persistPath string

	reqCh chan func()

	listenersMu sync.Mutex
	listeners   []subscription
	nextSubID   int

	// Dispatch queue between the document task and the fan-out goroutine.
	// Deliberately unbounded: the task must never block on a listener,
	// since listeners (the file bridge in particular) are allowed to call
	// back into the store. Only the task appends, which is what keeps
	// dispatch order identical to application order.
	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	pendingDisp  []Change

	logger *log.Logger
}

type subscription struct {
	id int
	fn Listener
}

// NewStore creates an empty Store for the given node identity and starts
// its document task. persistPath is the snapshot file (normally
// ".ethersync/doc"); an empty persistPath disables persistence entirely,
// which the test suite uses freely.
func NewStore(node NodeID, persistPath string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		doc:         NewDocument(),
		node:        node,
		vv:          make(map[NodeID]uint64),
		persistPath: persistPath,
		reqCh:       make(chan func(), reqBuffer),
		logger:      logger,
	}
	s.dispatchCond = sync.NewCond(&s.dispatchMu)
	go s.run()
	go s.dispatchLoop()
	return s
}

// run is the document task: the only goroutine that touches the document
// and its causal metadata. Executing inbox closures one at a time is what
// produces the daemon's single total order of CRDT mutations.
func (s *Store) run() {
	for fn := range s.reqCh {
		fn()
	}
}

// do runs fn on the document task and waits for it to finish. Must never
// be called from code already executing on the task; that would wait on
// itself.
func (s *Store) do(fn func()) {
	done := make(chan struct{})
	s.reqCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// SetNode changes the identity Store assigns to subsequent local changes.
// Used once at daemon startup, after the peer transport derives this
// host's real NodeID from its libp2p identity, which isn't known until
// after NewStore/LoadFile have already run (the transport itself needs a
// constructed *Store to subscribe to). Must not be called once any local
// mutation has happened.
func (s *Store) SetNode(node NodeID) {
	s.do(func() { s.node = node })
}

// OnPersistFailure registers a callback invoked once the store has failed
// several consecutive attempts to write its snapshot to disk. The session
// controller uses this to mark the project read-only rather than silently
// losing durability, per the Persistence error kind.
func (s *Store) OnPersistFailure(fn func(error)) {
	s.do(func() { s.onPersistErr = fn })
}

// Subscribe registers a listener. Must be called before any mutation whose
// resulting Change the caller needs to observe; there is no replay of past
// changes. The returned unsubscribe function removes the listener; peer
// connections and editor sessions, which come and go far more often than a
// daemon's lifetime, must call it on teardown or the listener slice grows
// without bound.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners = append(s.listeners, subscription{id: id, fn: l})
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				break
			}
		}
		s.listenersMu.Unlock()
	}
}

// publish queues c for listener fan-out. Document task only.
func (s *Store) publish(c Change) {
	s.dispatchMu.Lock()
	s.pendingDisp = append(s.pendingDisp, c)
	s.dispatchMu.Unlock()
	s.dispatchCond.Signal()
}

func (s *Store) dispatchLoop() {
	for {
		s.dispatchMu.Lock()
		for len(s.pendingDisp) == 0 {
			s.dispatchCond.Wait()
		}
		batch := s.pendingDisp
		s.pendingDisp = nil
		s.dispatchMu.Unlock()

		for _, change := range batch {
			s.listenersMu.Lock()
			ls := append([]subscription(nil), s.listeners...)
			s.listenersMu.Unlock()
			for _, sub := range ls {
				sub.fn(change)
			}
		}
	}
}

// ApplyLocal converts delta into CRDT ops against path, applies it to the
// document under the next sequence number for this node, and schedules a
// persistence write. The file bridge and the editor gateway's open-time
// reconciliation use it; edits an editor makes after opening a file reach
// the store through ApplyLocalOps (via the OT engine), and everything else
// is a remote change arriving over the peer transport.
func (s *Store) ApplyLocal(path string, delta Delta) (ChangeID, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return ChangeID{}, err
	}

	var id ChangeID
	s.do(func() {
		text := s.doc.Text(path)
		ops := make([]Op, 0, len(delta))
		for _, edit := range delta {
			ops = append(ops, s.applyEdit(text, edit)...)
		}
		s.seq++
		id = ChangeID{Node: s.node, Seq: s.seq}
		s.vv[s.node] = s.seq
		s.scheduleWrite()
		s.publish(Change{ID: id, Path: path, Ops: ops})
	})
	return id, nil
}

// ApplyLocalOps applies already identifier-addressed ops as one local
// change. Unlike ApplyLocal, the caller resolves each Op's position itself
// (typically against its own per-session mirror of the text) rather than
// against the store's own current offsets; since identifiers are globally
// ordered, this is correct regardless of what else has concurrently
// mutated the store, which is exactly what lets the OT engine originate
// edits from its own goroutine. Insert ops get a fresh clock assigned
// here, in the store's single global sequence.
func (s *Store) ApplyLocalOps(path string, ops []Op) (ChangeID, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return ChangeID{}, err
	}

	var id ChangeID
	s.do(func() {
		text := s.doc.Text(path)
		applied := make([]Op, 0, len(ops))
		for _, op := range ops {
			if op.Insert {
				s.charClock++
				text.Insert(op.Pos, op.Value, s.charClock)
				applied = append(applied, Op{Insert: true, Pos: op.Pos, Value: op.Value, Clock: s.charClock})
			} else if text.Delete(op.Pos) {
				applied = append(applied, Op{Insert: false, Pos: op.Pos})
			}
		}
		s.seq++
		id = ChangeID{Node: s.node, Seq: s.seq}
		s.vv[s.node] = s.seq
		s.scheduleWrite()
		s.publish(Change{ID: id, Path: path, Ops: applied})
	})
	return id, nil
}

// applyEdit turns one Edit into delete-then-insert Ops and applies them to
// text in place, using the rune offsets the Edit carries as anchors.
// Document task only.
func (s *Store) applyEdit(text *Text, edit Edit) []Op {
	var ops []Op

	for offset := edit.Range.Start; offset < edit.Range.End; offset++ {
		pos, err := text.PositionAt(edit.Range.Start)
		if err != nil || pos == nil {
			break
		}
		text.Delete(pos)
		ops = append(ops, Op{Insert: false, Pos: pos})
	}

	offset := edit.Range.Start
	for _, r := range edit.Replacement {
		pos, err := text.GenerateInsertPosition(offset, s.node)
		if err != nil {
			break
		}
		s.charClock++
		text.Insert(pos, r, s.charClock)
		ops = append(ops, Op{Insert: true, Pos: pos, Value: r, Clock: s.charClock})
		offset++
	}

	return ops
}

// ApplyRemote applies a batch of changes received from a peer (already in
// causal order, per node, courtesy of the transport's version-vector
// exchange) and returns the subset actually applied. Changes whose
// sequence number has already been observed for their origin node are
// silently skipped, which is what keeps reconnect-and-resync idempotent
// without an unbounded "seen" set: the version vector already encodes it.
func (s *Store) ApplyRemote(changes []Change) ([]ChangeID, error) {
	var applied []ChangeID

	s.do(func() {
		for _, change := range changes {
			path, err := NormalizePath(change.Path)
			if err != nil {
				s.logger.Printf("crdt: dropping remote change with invalid path %q: %v", change.Path, err)
				continue
			}
			if change.ID.Seq <= s.vv[change.ID.Node] {
				continue
			}
			text := s.doc.Text(path)
			for _, op := range change.Ops {
				if op.Insert {
					text.Insert(op.Pos, op.Value, op.Clock)
				} else {
					text.Delete(op.Pos)
				}
			}
			s.vv[change.ID.Node] = change.ID.Seq
			applied = append(applied, change.ID)
			change.Path = path
			s.publish(change)
		}
		if len(applied) > 0 {
			s.scheduleWrite()
		}
	})
	return applied, nil
}

// VersionVector returns a copy of the store's current version vector, used
// by the peer transport to tell a reconnecting peer what it has already
// seen.
func (s *Store) VersionVector() map[NodeID]uint64 {
	vv := make(map[NodeID]uint64)
	s.do(func() {
		for k, v := range s.vv {
			vv[k] = v
		}
	})
	return vv
}

// ResyncChanges returns one synthetic Change per tracked path, each
// containing every character currently in that path's Text under its own
// already-assigned identifier and clock. It does not advance Seq or the
// version vector; it is not a normal mutation, just a snapshot-shaped
// catch-up payload.
//
// The peer transport uses this once per newly established connection
// instead of replaying a persisted changelog: this store does not retain
// history, only current state, so there is no log to replay after a
// restart or for a peer that was offline during one. Resending every
// character currently known is always safe regardless of what the
// receiving side already has, because Text.Insert is a no-op when an
// identifier is already present, so a peer that has seen some or all of
// this content simply drops the redundant inserts, and a peer that has
// seen none of it catches up in one round trip. This trades bandwidth
// (a full resync on every reconnect, not just the missing delta) for not
// needing an unbounded persisted operation log.
func (s *Store) ResyncChanges() []Change {
	var changes []Change
	s.do(func() {
		changes = make([]Change, 0, len(s.doc.Files))
		for path, text := range s.doc.Files {
			ops := make([]Op, 0, len(text.Characters))
			for _, c := range text.Characters {
				ops = append(ops, Op{Insert: true, Pos: c.Pos, Value: c.Value, Clock: c.Clock})
			}
			changes = append(changes, Change{
				ID:   ChangeID{Node: s.node, Seq: s.seq},
				Path: path,
				Ops:  ops,
			})
		}
	})
	return changes
}

// ApplyResync merges a catch-up batch produced by another peer's
// ResyncChanges. It deliberately bypasses the version-vector dedup
// ApplyRemote applies: every Change in such a batch shares one ChangeID
// across many paths (see ResyncChanges), which would make the normal
// per-node Seq check accept only the first path and drop the rest as
// already-seen. Safe to call repeatedly and in any order relative to
// ApplyRemote: Text.Insert is a no-op for an identifier already present,
// and Text.Delete is a no-op for one already absent.
func (s *Store) ApplyResync(changes []Change) {
	s.do(func() {
		applied := 0
		for _, change := range changes {
			path, err := NormalizePath(change.Path)
			if err != nil {
				s.logger.Printf("crdt: dropping resync change with invalid path %q: %v", change.Path, err)
				continue
			}
			text := s.doc.Text(path)
			for _, op := range change.Ops {
				if op.Insert {
					text.Insert(op.Pos, op.Value, op.Clock)
				} else {
					text.Delete(op.Pos)
				}
			}
			change.Path = path
			applied++
			s.publish(change)
		}
		if applied > 0 {
			s.scheduleWrite()
		}
	})
}

// Text returns the current plain-text content of path, or "" if untracked.
func (s *Store) Text(path string) string {
	var out string
	s.do(func() {
		if t, ok := s.doc.Files[path]; ok {
			out = t.String()
		}
	})
	return out
}

// HasPath reports whether path is already tracked in the document, even if
// empty. The file bridge uses this to decide whether a file found during
// startup enumeration needs reading in at all.
func (s *Store) HasPath(path string) bool {
	var ok bool
	s.do(func() { ok = s.doc.Has(path) })
	return ok
}

// Paths returns every file path the document currently tracks.
func (s *Store) Paths() []string {
	var paths []string
	s.do(func() { paths = s.doc.Paths() })
	return paths
}

// snapshotState clones the full persisted state. Document task only.
func (s *Store) snapshotState() snapshotState {
	state := snapshotState{
		Node:      s.node,
		Seq:       s.seq,
		CharClock: s.charClock,
		VV:        make(map[NodeID]uint64, len(s.vv)),
		Doc:       s.doc.Clone(),
	}
	for k, v := range s.vv {
		state.VV[k] = v
	}
	return state
}

// Snapshot returns a gob-encoded copy of the full store state, suitable for
// Load or for seeding a newly paired peer.
func (s *Store) Snapshot() ([]byte, error) {
	var state snapshotState
	s.do(func() { state = s.snapshotState() })
	return encodeSnapshot(state)
}

// Load replaces the store's state with the decoded contents of data. A
// corrupt snapshot is logged and treated as an empty document rather than
// returned as an error, per the daemon's "never crash on a bad .ethersync
// directory" requirement. Neither Load nor LoadFile reports a decoding
// failure to its caller.
func (s *Store) Load(data []byte) {
	state, err := decodeSnapshot(data)
	if err != nil {
		s.logger.Printf("crdt: snapshot corrupt, starting from an empty document: %v", err)
		state = snapshotState{VV: make(map[NodeID]uint64), Doc: NewDocument()}
	}
	s.do(func() {
		s.seq = state.Seq
		s.charClock = state.CharClock
		s.vv = state.VV
		s.doc = state.Doc
	})
}

// LoadFile reads persistPath and calls Load. A missing file is treated as
// an empty document with no log output (the normal first-run case); any
// other read error is logged and also treated as an empty document.
func (s *Store) LoadFile() {
	if s.persistPath == "" {
		return
	}
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("crdt: could not read snapshot %s, starting from an empty document: %v", s.persistPath, err)
		}
		return
	}
	s.Load(data)
}

// Flush synchronously writes the current snapshot to disk, bypassing the
// coalescing scheduler. The session controller calls it once during
// shutdown so the final state is durable before the process exits.
func (s *Store) Flush() error {
	if s.persistPath == "" {
		return nil
	}
	var state snapshotState
	s.do(func() { state = s.snapshotState() })
	return s.flushOnce(s.persistPath, state)
}

// scheduleWrite marks the store dirty and, if no write is already in
// flight, starts one. Document task only. This is the coalescing scheme:
// at most one flushLoop goroutine runs at a time, and a mutation arriving
// while it runs just sets dirty so the goroutine loops once more before
// exiting, instead of queuing a write per mutation.
func (s *Store) scheduleWrite() {
	if s.persistPath == "" {
		return
	}
	s.dirty = true
	if s.writing {
		return
	}
	s.writing = true
	go s.flushLoop()
}

// maxPersistAttempts is how many consecutive write failures the flush loop
// tolerates before giving up and reporting through OnPersistFailure.
const maxPersistAttempts = 3

func (s *Store) flushLoop() {
	failures := 0
	for {
		var state snapshotState
		s.do(func() {
			s.dirty = false
			state = s.snapshotState()
		})

		if err := s.flushOnce(s.persistPath, state); err != nil {
			failures++
			s.logger.Printf("crdt: failed to persist snapshot to %s (attempt %d): %v", s.persistPath, failures, err)
			if failures >= maxPersistAttempts {
				var cb func(error)
				s.do(func() {
					cb = s.onPersistErr
					s.writing = false
				})
				if cb != nil {
					cb(err)
				}
				return
			}
			s.do(func() { s.dirty = true })
		} else {
			failures = 0
		}

		var again bool
		s.do(func() {
			again = s.dirty
			if !again {
				s.writing = false
			}
		})
		if !again {
			return
		}
	}
}

func (s *Store) flushOnce(path string, state snapshotState) error {
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
