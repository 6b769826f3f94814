package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ethersync/internal/crdt"
	"ethersync/internal/cursor"
	"ethersync/internal/diff"
	"ethersync/internal/ot"
)

// Ownership is the subset of the file bridge's interface the gateway needs
// to negotiate who may write a path to disk. Expressed as an interface
// here, rather than importing internal/fsbridge directly, so the two
// components only share this narrow contract; internal/daemon (the
// session controller) is the only place that wires a concrete
// *fsbridge.Bridge into a Gateway.
type Ownership interface {
	TakeEditorOwnership(path, editorID string) error
	ReleaseEditorOwnership(path, editorID string) error
}

// inboundBuffer bounds how many undelivered CRDT changes a slow editor
// connection may accumulate before the gateway gives up on it, mirroring
// the peer transport's backpressure policy; dropping individual changes
// instead would break the guarantee that every edit notification an
// editor receives reflects all prior accepted edits.
const inboundBuffer = 1024

// Gateway serves every local editor connection for one project.
type Gateway struct {
	root      string
	store     *crdt.Store
	node      crdt.NodeID
	ownership Ownership
	cursors   *cursor.Tracker
	logger    *log.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	listener net.Listener
}

// New builds a Gateway. root is the project directory, used to validate
// that every `uri` an editor sends resolves inside it.
func New(root string, store *crdt.Store, node crdt.NodeID, ownership Ownership, cursors *cursor.Tracker, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Gateway{
		root:      abs,
		store:     store,
		node:      node,
		ownership: ownership,
		cursors:   cursors,
		logger:    logger,
		conns:     make(map[string]*conn),
	}
}

// Serve listens on socketPath and accepts editor connections until ctx is
// cancelled. socketPath is removed first if a stale socket file from a
// previous run is still there.
func (g *Gateway) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", socketPath, err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("gateway: accept: %w", err)
			}
		}
		go g.handleConn(nc)
	}
}

// Close stops accepting new editors and closes every live connection, part
// of the session controller's cooperative shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.listener != nil {
		g.listener.Close()
	}
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
}

// conn is one editor's connection: one goroutine reads frames off the
// socket, another drains CRDT changes and turns them into `edit`
// notifications. Both goroutines touch sessions only while holding mu, so
// each open file's OT engine is only ever driven by one goroutine at a
// time even though two different goroutines can produce work for it.
type conn struct {
	gw *Gateway
	id string
	nc net.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	sessions    map[string]*fileSession
	unsubscribe func()
	changeCh    chan crdt.Change
	closed      bool
}

type fileSession struct {
	engine *ot.Engine
}

func (g *Gateway) handleConn(nc net.Conn) {
	c := &conn{
		gw:       g,
		id:       uuid.NewString(),
		nc:       nc,
		sessions: make(map[string]*fileSession),
		changeCh: make(chan crdt.Change, inboundBuffer),
	}
	c.unsubscribe = g.store.Subscribe(func(change crdt.Change) {
		// The closed check and the send share c.mu with cleanup, so a
		// change dispatched concurrently with connection teardown can
		// never hit the channel after cleanup has closed it.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		select {
		case c.changeCh <- change:
			c.mu.Unlock()
		default:
			c.mu.Unlock()
			c.logger().Printf("gateway: editor %s fell behind, closing connection", c.id)
			nc.Close()
		}
	})

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	go c.dispatchChanges()

	defer c.cleanup()

	br := bufio.NewReader(nc)
	for {
		data, err := readFrame(br)
		if err != nil {
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Printf("gateway: editor %s sent malformed JSON, closing: %v", c.id, err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			g.logger.Printf("gateway: editor %s protocol error, closing: %v", c.id, err)
			return
		}
	}
}

func (c *conn) logger() *log.Logger { return c.gw.logger }

func (c *conn) cleanup() {
	c.unsubscribe()
	c.mu.Lock()
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	close(c.changeCh)
	c.mu.Unlock()

	for path := range sessions {
		if err := c.gw.ownership.ReleaseEditorOwnership(path, c.id); err != nil {
			c.gw.logger.Printf("gateway: releasing ownership of %s from %s: %v", path, c.id, err)
		}
	}
	c.gw.cursors.Remove(c.id)

	c.gw.mu.Lock()
	delete(c.gw.conns, c.id)
	c.gw.mu.Unlock()

	c.nc.Close()
}

// dispatch handles one decoded message. A non-nil error means the
// connection must be closed: malformed JSON is caught by the caller
// before dispatch is even reached; the protocol errors raised here
// include an unrecognized method (on a request or a notification) and a
// malformed edit delta.
func (c *conn) dispatch(msg rpcMessage) error {
	switch msg.Method {
	case "open":
		return c.handleOpen(msg)
	case "close":
		return c.handleClose(msg)
	case "edit":
		return c.handleEdit(msg)
	case "cursor":
		return c.handleCursor(msg)
	default:
		if msg.Method == "" {
			return fmt.Errorf("gateway: received a reply, which editors never send")
		}
		return fmt.Errorf("gateway: unknown method %q", msg.Method)
	}
}

func (c *conn) handleOpen(msg rpcMessage) error {
	var params openParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	path, err := uriToPath(c.gw.root, params.URI)
	if err != nil {
		c.reply(msg.ID, nil, newError(errPathEscapesRoot, err.Error()))
		return nil
	}
	if err := c.gw.ownership.TakeEditorOwnership(path, c.id); err != nil {
		c.reply(msg.ID, nil, newError(errAlreadyOwned, err.Error()))
		return nil
	}

	if params.Content != nil {
		current := c.gw.store.Text(path)
		if *params.Content != current {
			if delta := diff.Compute(current, *params.Content); delta != nil {
				if _, err := c.gw.store.ApplyLocal(path, delta); err != nil {
					c.reply(msg.ID, nil, newError(-32603, err.Error()))
					return nil
				}
			}
		}
	}

	engine := ot.NewEngine(c.gw.store, path, c.gw.node, c.gw.store.Text(path))
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.sessions[path] = &fileSession{engine: engine}
	c.mu.Unlock()

	c.reply(msg.ID, struct{}{}, nil)
	return nil
}

func (c *conn) handleClose(msg rpcMessage) error {
	var params closeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	path, err := uriToPath(c.gw.root, params.URI)
	if err != nil {
		return nil // close is a notification; an invalid uri here is simply ignored
	}

	c.mu.Lock()
	_, ok := c.sessions[path]
	delete(c.sessions, path)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.gw.ownership.ReleaseEditorOwnership(path, c.id); err != nil {
		c.gw.logger.Printf("gateway: releasing ownership of %s from %s: %v", path, c.id, err)
	}
	return nil
}

func (c *conn) handleEdit(msg rpcMessage) error {
	var params editParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	path, err := uriToPath(c.gw.root, params.URI)
	if err != nil {
		c.reply(msg.ID, nil, newError(errPathEscapesRoot, err.Error()))
		return nil
	}
	var rd ot.RevisionedDelta
	if err := json.Unmarshal(params.Delta, &rd); err != nil {
		return fmt.Errorf("edit: decode delta: %w", err)
	}

	c.mu.Lock()
	session, ok := c.sessions[path]
	c.mu.Unlock()
	if !ok {
		c.reply(msg.ID, nil, newError(errFileNotOpen, "file is not open"))
		return nil
	}

	c.mu.Lock()
	err = session.engine.HandleEditorDelta(rd)
	c.mu.Unlock()

	if errors.Is(err, ot.ErrStaleRevision) {
		return nil // stale revision: silently discard, no reply at all
	}
	if err != nil {
		return fmt.Errorf("edit: %w", err) // malformed delta: close the connection
	}
	c.reply(msg.ID, struct{}{}, nil)
	return nil
}

func (c *conn) handleCursor(msg rpcMessage) error {
	var params cursorParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	path, err := uriToPath(c.gw.root, params.URI)
	if err != nil {
		return nil
	}
	var rr ot.RevisionedRanges
	if err := json.Unmarshal(params.Ranges, &rr); err != nil {
		return fmt.Errorf("cursor: decode ranges: %w", err)
	}

	// Updating the tracker is all the forwarding this method needs to do:
	// the session controller and the peer transport both subscribe to it,
	// which is how the update reaches other local editors and every peer's
	// awareness channel.
	c.gw.cursors.Update(cursor.Cursor{UserID: c.id, Path: path, Ranges: rr.Ranges})
	return nil
}

// dispatchChanges is the per-connection goroutine that turns CRDT changes
// into `edit` notifications.
func (c *conn) dispatchChanges() {
	for change := range c.changeCh {
		c.mu.Lock()
		session, ok := c.sessions[change.Path]
		if !ok {
			c.mu.Unlock()
			continue
		}
		rd, err := session.engine.ApplyDaemonChange(change)
		c.mu.Unlock()
		if err != nil {
			c.gw.logger.Printf("gateway: applying daemon change to %s for %s: %v", change.Path, c.id, err)
			continue
		}
		if rd == nil {
			continue
		}
		c.notify("edit", editNotification{URI: pathToURI(c.gw.root, change.Path), Delta: *rd})
	}
}

type editNotification struct {
	URI   string             `json:"uri"`
	Delta ot.RevisionedDelta `json:"delta"`
}

// BroadcastCursor forwards a cursor update (originated locally by another
// editor on this daemon, or by a remote peer) to every editor connection
// except the one it came from. skipID may be "" if the cursor came from a
// peer rather than a local editor.
func (g *Gateway) BroadcastCursor(cur cursor.Cursor, skipID string) {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for id, c := range g.conns {
		if id != skipID {
			conns = append(conns, c)
		}
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.notify("cursor", cursorNotification{
			UserID: cur.UserID,
			Name:   cur.Name,
			URI:    pathToURI(g.root, cur.Path),
			Ranges: ot.RevisionedRanges{Ranges: cur.Ranges},
		})
	}
}

type cursorNotification struct {
	UserID string              `json:"user_id"`
	Name   string              `json:"name,omitempty"`
	URI    string              `json:"uri"`
	Ranges ot.RevisionedRanges `json:"ranges"`
}

func (c *conn) notify(method string, params interface{}) {
	data, err := json.Marshal(params)
	if err != nil {
		return
	}
	c.send(rpcMessage{JSONRPC: "2.0", Method: method, Params: data})
}

func (c *conn) reply(id json.RawMessage, result interface{}, rpcErr *rpcError) {
	msg := rpcMessage{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		msg.Error = rpcErr
	} else {
		msg.Result = result
	}
	c.send(msg)
}

func (c *conn) send(msg rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.nc, data); err != nil && !errors.Is(err, io.EOF) {
		c.gw.logger.Printf("gateway: writing to editor %s: %v", c.id, err)
	}
}

// uriToPath resolves an editor-supplied uri (a "file://" URI or a bare
// path) to a normalized, project-relative path, rejecting anything that
// escapes root.
func uriToPath(root, uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", fmt.Errorf("gateway: %q does not resolve under the project root", uri)
		}
		p = rel
	}
	return crdt.NormalizePath(filepath.ToSlash(p))
}

// pathToURI is uriToPath's inverse, used when the gateway originates a
// message to an editor.
func pathToURI(root, path string) string {
	return "file://" + filepath.ToSlash(filepath.Join(root, filepath.FromSlash(path)))
}
