// Command ethersync is the daemon's CLI: `share` hosts a project and
// prints a pairing code, `join` connects to one, `client` bridges an
// editor's stdio to the daemon socket, and `status` renders a live
// session dashboard.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ethersync/internal/daemon"
	"ethersync/internal/gateway"
	"ethersync/internal/statusview"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ethersync:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ethersync",
		Short:         "Peer-to-peer collaborative text editing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(shareCmd(), joinCmd(), clientCmd(), statusCmd())
	return root
}

func shareCmd() *cobra.Command {
	var tui bool
	cmd := &cobra.Command{
		Use:   "share [directory]",
		Short: "Start hosting a project and print a pairing code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runDaemon(daemon.Options{
				ProjectDir: dir,
				Mode:       daemon.ModeShare,
				Logger:     log.New(os.Stderr, "", log.LstdFlags),
			}, tui)
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "Show a live status dashboard alongside the daemon")
	return cmd
}

func joinCmd() *cobra.Command {
	var addr string
	var tui bool
	cmd := &cobra.Command{
		Use:   "join <code> [directory]",
		Short: "Join a shared project using a pairing code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			return runDaemon(daemon.Options{
				ProjectDir:  dir,
				Mode:        daemon.ModeJoin,
				PairingCode: args[0],
				JoinAddr:    addr,
				Logger:      log.New(os.Stderr, "", log.LstdFlags),
			}, tui)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Dial this multiaddr directly instead of discovering the host via mDNS")
	cmd.Flags().BoolVar(&tui, "tui", false, "Show a live status dashboard alongside the daemon")
	return cmd
}

// runDaemon starts a Daemon and blocks until SIGINT/SIGTERM: exit 0 on a
// clean shutdown, non-zero for a startup (config/bind) or transport-fatal
// error. With tui set, it also renders the statusview dashboard in-process
// against the very same *daemon.Daemon instead of attaching to one over
// IPC; the daemon exposes no cross-process introspection, so the
// dashboard is only ever meaningful in the process that is also running
// the session it displays (see `status`, which embeds a daemon of its own
// for exactly this reason).
func runDaemon(opts daemon.Options, tui bool) error {
	d := daemon.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- d.Start(ctx) }()

	// Let Start either fail fast (bad config, bind failure) or settle
	// into Running before announcing the pairing code; readiness is only
	// printed once the daemon reports Running.
	select {
	case err := <-startErrCh:
		return err
	case <-waitRunning(d):
	}

	if opts.Mode == daemon.ModeShare {
		fmt.Printf("pairing code: %s\n", d.PairingCode())
	}
	fmt.Printf("socket: %s\n", d.SocketPath())

	if tui {
		go func() {
			if err := statusview.Run(d); err != nil {
				fmt.Fprintln(os.Stderr, "ethersync: status view:", err)
			}
			cancel() // quitting the dashboard ends the session, like ctrl+c would
		}()
	}

	return <-startErrCh
}

func waitRunning(d *daemon.Daemon) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		// A failed Start is reported on startErrCh; Stopped cannot be
		// treated as failure here, since it is also the state before Start runs.
		for d.State() != daemon.Running {
			time.Sleep(10 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

func clientCmd() *cobra.Command {
	var socket string
	var dir string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Bridge an editor's stdin/stdout to the daemon's socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := socket
			if path == "" {
				path = daemon.SocketPath(dir)
			}
			return gateway.BridgeStdio(path)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "Daemon socket path (overrides --dir derivation)")
	cmd.Flags().StringVar(&dir, "dir", ".", "Project directory, used to derive the socket path if --socket is unset")
	return cmd
}

// statusCmd runs a session controller for an already-initialized project
// (reusing its persisted identity and pairing code; see config.Load) and
// renders nothing but the dashboard: the same wiring `share --tui` uses,
// just without the banner lines `share` prints for a fresh host.
func statusCmd() *cobra.Command {
	var dir string
	var once bool
	cmd := &cobra.Command{
		Use:   "status [directory]",
		Short: "Show this project's session state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				dir = args[0]
			}
			d := daemon.New(daemon.Options{
				ProjectDir: dir,
				Mode:       daemon.ModeShare,
				Logger:     log.New(os.Stderr, "", log.LstdFlags),
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			startErrCh := make(chan error, 1)
			go func() { startErrCh <- d.Start(ctx) }()
			select {
			case err := <-startErrCh:
				return err
			case <-waitRunning(d):
			}

			if once {
				fmt.Print(statusview.RenderOnce(d))
				cancel()
				return <-startErrCh
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()
			go func() {
				if err := statusview.Run(d); err != nil {
					fmt.Fprintln(os.Stderr, "ethersync: status view:", err)
				}
				cancel()
			}()
			return <-startErrCh
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Project directory")
	cmd.Flags().BoolVar(&once, "once", false, "Print one static snapshot instead of a live dashboard")
	return cmd
}
