package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ethersync/internal/crdt"
	"ethersync/internal/cursor"
)

type fakeOwnership struct {
	mu     sync.Mutex
	owners map[string]string
}

func newFakeOwnership() *fakeOwnership {
	return &fakeOwnership{owners: make(map[string]string)}
}

func (f *fakeOwnership) TakeEditorOwnership(path, editorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[path]; ok && owner != editorID {
		return fmt.Errorf("already owned by %s", owner)
	}
	f.owners[path] = editorID
	return nil
}

func (f *fakeOwnership) ReleaseEditorOwnership(path, editorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[path] == editorID {
		delete(f.owners, path)
	}
	return nil
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func dial(t *testing.T, socketPath string) *testClient {
	t.Helper()
	var nc net.Conn
	var err error
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, nc: nc, br: bufio.NewReader(nc)}
}

func (c *testClient) send(msg rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := writeFrame(c.nc, data); err != nil {
		c.t.Fatalf("writeFrame: %v", err)
	}
}

func (c *testClient) request(id int, method string, params interface{}) rpcMessage {
	data, _ := json.Marshal(params)
	c.send(rpcMessage{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%d", id)), Method: method, Params: data})
	return c.recv()
}

func (c *testClient) notify(method string, params interface{}) {
	data, _ := json.Marshal(params)
	c.send(rpcMessage{JSONRPC: "2.0", Method: method, Params: data})
}

func (c *testClient) recv() rpcMessage {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := readFrame(c.br)
	if err != nil {
		c.t.Fatalf("readFrame: %v", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func newTestGateway(t *testing.T) (*Gateway, *crdt.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := crdt.NewStore(1, "", nil)
	gw := New(dir, store, 1, newFakeOwnership(), cursor.NewTracker(), nil)
	socketPath := filepath.Join(t.TempDir(), "ethersync.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		gw.Close()
	})
	go gw.Serve(ctx, socketPath)
	return gw, store, socketPath
}

func TestOpenCloseRoundTrip(t *testing.T) {
	_, store, socketPath := newTestGateway(t)
	store.ApplyLocal("a.txt", crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hello"}})

	c := dial(t, socketPath)
	defer c.nc.Close()

	reply := c.request(1, "open", openParams{URI: "file://a.txt"})
	if reply.Error != nil {
		t.Fatalf("open failed: %+v", reply.Error)
	}

	c.notify("close", closeParams{URI: "file://a.txt"})
}

func TestOpenRejectsPathEscapingRoot(t *testing.T) {
	_, _, socketPath := newTestGateway(t)
	c := dial(t, socketPath)
	defer c.nc.Close()

	reply := c.request(1, "open", openParams{URI: "file:///etc/passwd"})
	if reply.Error == nil {
		t.Fatalf("expected an error for a path outside the project root")
	}
	if reply.Error.Code != errPathEscapesRoot {
		t.Fatalf("error code = %d, want %d", reply.Error.Code, errPathEscapesRoot)
	}
}

func TestEditOnUnopenedFileIsRejected(t *testing.T) {
	_, _, socketPath := newTestGateway(t)
	c := dial(t, socketPath)
	defer c.nc.Close()

	delta, _ := json.Marshal(struct {
		Delta    []struct{} `json:"delta"`
		Revision uint64     `json:"revision"`
	}{Revision: 0})
	reply := c.request(1, "edit", editParams{URI: "file://a.txt", Delta: delta})
	if reply.Error == nil || reply.Error.Code != errFileNotOpen {
		t.Fatalf("expected errFileNotOpen, got %+v", reply.Error)
	}
}

func TestStaleEditGetsNoReply(t *testing.T) {
	_, store, socketPath := newTestGateway(t)
	store.ApplyLocal("a.txt", crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hi"}})

	c := dial(t, socketPath)
	defer c.nc.Close()
	if reply := c.request(1, "open", openParams{URI: "file://a.txt"}); reply.Error != nil {
		t.Fatalf("open: %+v", reply.Error)
	}

	delta, _ := json.Marshal(struct {
		Delta []struct {
			Range struct {
				Start struct{ Line, Character uint32 }
				End   struct{ Line, Character uint32 }
			} `json:"range"`
			Replacement string `json:"replacement"`
		} `json:"delta"`
		Revision uint64 `json:"revision"`
	}{Revision: 999})
	c.send(rpcMessage{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "edit", Params: mustMarshal(editParams{URI: "file://a.txt", Delta: delta})})

	// Immediately issue a second, well-formed request against a different
	// path; if the stale edit had produced a reply it would arrive first and
	// this assertion would see the wrong id.
	reply := c.request(3, "open", openParams{URI: "file://b.txt"})
	if string(reply.ID) != "3" {
		t.Fatalf("expected the reply to request 3, got id %s (stale edit must not reply)", reply.ID)
	}
	if reply.Error != nil {
		t.Fatalf("open b.txt: %+v", reply.Error)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func TestOwnershipHandoffBlocksSecondEditor(t *testing.T) {
	_, store, socketPath := newTestGateway(t)
	store.ApplyLocal("a.txt", crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hi"}})

	c1 := dial(t, socketPath)
	defer c1.nc.Close()
	if reply := c1.request(1, "open", openParams{URI: "file://a.txt"}); reply.Error != nil {
		t.Fatalf("first open: %+v", reply.Error)
	}

	c2 := dial(t, socketPath)
	defer c2.nc.Close()
	reply := c2.request(1, "open", openParams{URI: "file://a.txt"})
	if reply.Error == nil || reply.Error.Code != errAlreadyOwned {
		t.Fatalf("expected errAlreadyOwned, got %+v", reply.Error)
	}
}

func TestURIPathConversions(t *testing.T) {
	root := "/proj"
	path, err := uriToPath(root, "file:///proj/sub/file.txt")
	if err != nil {
		t.Fatalf("uriToPath: %v", err)
	}
	if path != "sub/file.txt" {
		t.Fatalf("path = %q, want sub/file.txt", path)
	}
	if _, err := uriToPath(root, "file:///outside/file.txt"); err == nil {
		t.Fatalf("expected an error for a uri outside root")
	}
	if got := pathToURI(root, "sub/file.txt"); got != "file:///proj/sub/file.txt" {
		t.Fatalf("pathToURI = %q", got)
	}
}
