// Package daemon is the session controller: the top-level
// Stopped -> Starting -> Running -> Stopping state machine that owns the
// document store, editor gateway, file bridge, and peer transport for one
// shared project, and coordinates their startup and shutdown so every
// component observes CRDT mutations in one order.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"ethersync/internal/config"
	"ethersync/internal/crdt"
	"ethersync/internal/cursor"
	"ethersync/internal/fsbridge"
	"ethersync/internal/gateway"
	"ethersync/internal/ignore"
	"ethersync/internal/pairing"
	"ethersync/internal/transport"
)

// State is one of the session controller's four lifecycle states.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Mode selects how the peer transport is started.
type Mode int

const (
	// ModeShare hosts the project's pairing code (generated on the first
	// share and persisted in the config) and advertises via mDNS.
	ModeShare Mode = iota
	// ModeJoin consumes a pairing code produced by a ModeShare daemon,
	// either discovering it on the LAN or dialing a supplied multiaddr.
	ModeJoin
)

// Options configures one daemon run.
type Options struct {
	ProjectDir string
	Mode       Mode

	// PairingCode is required for ModeJoin; ignored for ModeShare, which
	// reuses the code persisted in the config, generating one if none is
	// stored yet.
	PairingCode string

	// JoinAddr, if set, is dialed directly instead of relying on mDNS
	// discovery.
	JoinAddr string

	Logger *log.Logger
}

// Daemon is one running project session: the sole owner of the Document
// store and every component wired against it.
type Daemon struct {
	opts       Options
	logger     *log.Logger
	socketPath string

	mu    sync.Mutex
	state State

	store     *crdt.Store
	bridge    *fsbridge.Bridge
	gateway   *gateway.Gateway
	transport *transport.Transport
	cursors   *cursor.Tracker
	cfg       *config.Config

	readOnly bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stoppedCh chan struct{}
}

// New constructs a Daemon in the Stopped state. It does no I/O.
func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Daemon{
		opts:      opts,
		logger:    opts.Logger,
		state:     Stopped,
		stoppedCh: make(chan struct{}),
	}
}

// State reports the controller's current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// PairingCode returns the code a ModeShare daemon generated, empty until
// Start has completed for a share session.
func (d *Daemon) PairingCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg == nil {
		return ""
	}
	return d.cfg.PairingCode
}

// Addrs returns this daemon's dialable multiaddrs (the form `join --addr`
// takes), or nil before the transport exists.
func (d *Daemon) Addrs() []multiaddr.Multiaddr {
	d.mu.Lock()
	t := d.transport
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Addrs()
}

// Peers returns the number of currently connected peers, for the status
// view.
func (d *Daemon) Peers() int {
	d.mu.Lock()
	t := d.transport
	d.mu.Unlock()
	if t == nil {
		return 0
	}
	return len(t.Peers())
}

// ReadOnly reports whether the project has been marked read-only after
// repeated snapshot-persistence failures. Edits still
// flow while read-only (peers and editors keep converging) but nothing
// more is promised to survive a restart, which is why the status view
// surfaces it prominently.
func (d *Daemon) ReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readOnly
}

// Store exposes the document store for the status view and for tests;
// nothing outside this package and its wired components should mutate it
// directly.
func (d *Daemon) Store() *crdt.Store { return d.store }

// SocketPath is the Unix socket editors connect to once the daemon is
// Running.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Start runs the Starting state to completion and then Running, blocking
// until ctx is cancelled or Stop is called, at which point it runs
// Stopping and returns. It is an error to call Start more than once.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon: Start called while %s", d.state)
	}
	d.state = Starting
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.startComponents(runCtx); err != nil {
		cancel()
		d.setState(Stopped)
		return err
	}

	d.setState(Running)
	d.logger.Printf("daemon: running, socket=%s", d.socketPath)

	<-runCtx.Done()
	d.shutdown()
	return nil
}

// Stop requests a cooperative shutdown and blocks until it completes:
// stop accepting new editors, close peer connections, write the final
// snapshot, release the socket.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.state != Running && d.state != Starting {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-d.stoppedCh
}

func (d *Daemon) startComponents(ctx context.Context) error {
	isNew, err := config.EnsureProject(d.opts.ProjectDir)
	if err != nil {
		return fmt.Errorf("daemon: %w", err) // fatal: never rebuild over a damaged marker directory
	}

	cfg, err := config.Load(d.opts.ProjectDir)
	if err != nil {
		return fmt.Errorf("daemon: loading config: %w", err)
	}
	d.cfg = cfg

	psk, code, err := d.resolvePSK(cfg)
	if err != nil {
		return err
	}
	cfg.PairingCode = code

	logger := d.logger

	store := crdt.NewStore(0, config.SnapshotPath(d.opts.ProjectDir), logger)
	if !isNew {
		store.LoadFile()
	}
	store.OnPersistFailure(func(err error) {
		d.mu.Lock()
		d.readOnly = true
		d.mu.Unlock()
		d.logger.Printf("daemon: marking project read-only after repeated persistence failures: %v", err)
	})
	d.store = store

	cursors := cursor.NewTracker()
	d.cursors = cursors

	tr, seed, err := transport.New(store, cursors, cfg.SecretKey, psk, logger)
	if err != nil {
		return fmt.Errorf("daemon: starting peer transport: %w", err)
	}
	d.transport = tr
	cfg.SecretKey = seed
	if err := cfg.Save(d.opts.ProjectDir); err != nil {
		d.logger.Printf("daemon: saving config: %v", err)
	}

	// The store's node identity is derived from the transport's libp2p
	// peer ID, so rebuild it now that the host exists (Store's zero-value
	// NodeID above only exists to let config/transport bootstrapping see
	// a valid *Store reference without a circular New signature).
	store.SetNode(tr.NodeID())

	tr.OnPeerConnected(func(id peer.ID, addr string) {
		d.mu.Lock()
		cfg.AddOrUpdatePeer(id.String(), addr)
		err := cfg.Save(d.opts.ProjectDir)
		d.mu.Unlock()
		if err != nil {
			d.logger.Printf("daemon: saving config: %v", err)
		}
	})

	matcher, err := ignore.Load(d.opts.ProjectDir)
	if err != nil {
		return fmt.Errorf("daemon: loading ignore rules: %w", err)
	}

	bridge, err := fsbridge.New(d.opts.ProjectDir, store, tr.NodeID(), matcher, logger)
	if err != nil {
		return fmt.Errorf("daemon: starting file bridge: %w", err)
	}
	d.bridge = bridge
	if err := bridge.Enumerate(); err != nil {
		return fmt.Errorf("daemon: enumerating project: %w", err)
	}

	gw := gateway.New(d.opts.ProjectDir, store, tr.NodeID(), bridge, cursors, logger)
	d.gateway = gw

	d.socketPath = SocketPath(d.opts.ProjectDir)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bridge.Run(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := gw.Serve(ctx, d.socketPath); err != nil {
			d.logger.Printf("daemon: editor gateway stopped: %v", err)
		}
	}()

	unsubCursor := cursors.Subscribe(func(c cursor.Cursor) {
		gw.BroadcastCursor(c, c.UserID)
	})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		unsubCursor()
	}()

	switch d.opts.Mode {
	case ModeShare:
		if err := tr.StartDiscovery(); err != nil {
			return fmt.Errorf("daemon: starting peer discovery: %w", err)
		}
	case ModeJoin:
		if d.opts.JoinAddr != "" {
			addr, err := multiaddr.NewMultiaddr(d.opts.JoinAddr)
			if err != nil {
				return fmt.Errorf("daemon: parsing join address: %w", err)
			}
			if err := tr.Connect(ctx, addr); err != nil {
				return fmt.Errorf("daemon: connecting to %s: %w", d.opts.JoinAddr, err)
			}
		} else if err := tr.StartDiscovery(); err != nil {
			return fmt.Errorf("daemon: starting peer discovery: %w", err)
		}
	}

	// Best-effort redial of peers remembered from previous runs; a stale
	// address just fails and mDNS or a fresh join covers it.
	for _, p := range cfg.Peers {
		addr, err := multiaddr.NewMultiaddr(p.Address + "/p2p/" + p.ID)
		if err != nil {
			continue
		}
		if err := tr.Connect(ctx, addr); err != nil {
			d.logger.Printf("daemon: dialing known peer %s: %v", p.ID, err)
		}
	}

	return nil
}

// resolvePSK derives the pairing pre-shared key for this run: a freshly
// generated code for ModeShare, or the joiner's supplied code for
// ModeJoin. A persisted config that already carries a code (from a
// previous run of the same project) is reused so a restarted host doesn't
// invalidate peers that still remember the old one.
func (d *Daemon) resolvePSK(cfg *config.Config) (psk []byte, code string, err error) {
	switch d.opts.Mode {
	case ModeShare:
		if cfg.PairingCode != "" {
			psk, err := pairing.ParseAndDeriveAuth(cfg.PairingCode)
			return psk, cfg.PairingCode, err
		}
		c, err := pairing.Generate()
		if err != nil {
			return nil, "", fmt.Errorf("daemon: generating pairing code: %w", err)
		}
		return c.Secret, c.String(), nil
	case ModeJoin:
		if d.opts.PairingCode == "" {
			return nil, "", fmt.Errorf("daemon: join requires a pairing code")
		}
		psk, err := pairing.ParseAndDeriveAuth(d.opts.PairingCode)
		return psk, d.opts.PairingCode, err
	default:
		return nil, "", fmt.Errorf("daemon: unknown mode %d", d.opts.Mode)
	}
}

// shutdown runs the Stopping state: closes components in the dependency
// order that keeps every invariant true while they wind down (gateway
// first, so no new editor work starts; then the file bridge and
// transport; then the document task drains and does its final flush).
func (d *Daemon) shutdown() {
	d.setState(Stopping)
	d.logger.Printf("daemon: shutting down")

	if d.gateway != nil {
		d.gateway.Close()
	}
	if d.bridge != nil {
		if err := d.bridge.Close(); err != nil {
			d.logger.Printf("daemon: closing file bridge: %v", err)
		}
	}
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			d.logger.Printf("daemon: closing peer transport: %v", err)
		}
	}

	d.wg.Wait()

	if d.store != nil {
		if err := d.store.Flush(); err != nil {
			d.logger.Printf("daemon: final snapshot write failed: %v", err)
		}
	}
	_ = os.Remove(d.socketPath)

	d.setState(Stopped)
	close(d.stoppedCh)
}

// SocketPath derives the editor gateway's Unix socket path from a
// project's absolute directory, under the platform temp directory.
// Hashing the absolute path rather than using the project's base name
// keeps two differently-located projects that happen to share a directory
// name from colliding on the same socket.
func SocketPath(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := sha256.Sum256([]byte(abs))
	name := "ethersync-" + hex.EncodeToString(sum[:8]) + ".sock"
	return filepath.Join(os.TempDir(), name)
}
