package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"ethersync/internal/crdt"
)

func waitForState(t *testing.T, d *Daemon, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.State() == want {
			return
		}
		if d.State() == Stopped && want != Stopped {
			t.Fatalf("daemon stopped before reaching state %s", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, d.State())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// dialSocket retries briefly since Gateway.Serve starts listening shortly
// after the daemon reports Running.
func dialSocket(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dialing gateway socket: %v", lastErr)
	return nil
}

func writeFrame(t *testing.T, w io.Writer, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(data), data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if line == "\r\n" {
			break
		}
		fmt.Sscanf(line, "Content-Length: %d", &length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(buf, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

// TestSingleEditorOpenEditClose exercises one daemon end to end: an
// editor opens a file with initial content, the file bridge's ownership
// rule keeps the daemon from touching it on disk while open, and closing
// it hands ownership back so the daemon writes the CRDT's content.
func TestSingleEditorOpenEditClose(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{ProjectDir: dir, Mode: ModeShare, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	waitForState(t, d, Running)

	conn := dialSocket(t, d.SocketPath())
	defer conn.Close()
	br := bufio.NewReader(conn)

	writeFrame(t, conn, map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "open",
		"params": map[string]interface{}{"uri": "file://" + dir + "/a.txt", "content": "abc"},
	})
	reply := readFrame(t, br)
	if reply["error"] != nil {
		t.Fatalf("open failed: %v", reply["error"])
	}

	waitFor(t, func() bool { return d.Store().Text("a.txt") == "abc" })

	writeFrame(t, conn, map[string]interface{}{
		"jsonrpc": "2.0", "method": "close",
		"params": map[string]interface{}{"uri": "file://" + dir + "/a.txt"},
	})

	waitFor(t, func() bool {
		data, err := os.ReadFile(dir + "/a.txt")
		return err == nil && string(data) == "abc"
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

// TestTwoDaemonsConverge starts a hosting daemon and a joining daemon that
// dials it directly (bypassing mDNS, which a sandboxed test environment
// may not route), edits a file through the host's store, and waits for
// the joiner's store to converge on the same content.
func TestTwoDaemonsConverge(t *testing.T) {
	hostDir := t.TempDir()
	joinDir := t.TempDir()

	host := New(Options{ProjectDir: hostDir, Mode: ModeShare, Logger: quietLogger()})
	hostCtx, hostCancel := context.WithCancel(context.Background())
	defer hostCancel()
	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Start(hostCtx) }()
	waitForState(t, host, Running)

	var addr string
	waitFor(t, func() bool {
		addrs := host.Addrs()
		if len(addrs) == 0 {
			return false
		}
		addr = addrs[0].String()
		return true
	})

	joiner := New(Options{
		ProjectDir:  joinDir,
		Mode:        ModeJoin,
		PairingCode: host.PairingCode(),
		JoinAddr:    addr,
		Logger:      quietLogger(),
	})
	joinCtx, joinCancel := context.WithCancel(context.Background())
	defer joinCancel()
	joinDone := make(chan error, 1)
	go func() { joinDone <- joiner.Start(joinCtx) }()
	waitForState(t, joiner, Running)

	delta := crdt.Delta{{Range: crdt.Range{Start: 0, End: 0}, Replacement: "hello"}}
	if _, err := host.Store().ApplyLocal("shared.txt", delta); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}

	waitFor(t, func() bool { return joiner.Store().Text("shared.txt") == "hello" })

	hostCancel()
	joinCancel()
	<-hostDone
	<-joinDone
}
