// Command qortpeer dials or answers peer handshakes: HELLO, CHALLENGE
// and a proof-of-work backed RESPONSE over TCP or QUIC.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"qortpeer/internal/config"
	"qortpeer/internal/crypto"
	"qortpeer/internal/diag"
	"qortpeer/internal/log"
	"qortpeer/internal/metrics"
	"qortpeer/internal/network"
	"qortpeer/internal/node"
)

type rootFlags struct {
	ConfigFile string
	LogLevel   string
	DataDir    string
}

func (f *rootFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.ConfigFile == "" {
		cfg = config.Default()
	} else if cfg, err = config.LoadFile(f.ConfigFile); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if f.LogLevel != "" {
		if _, err := log.ParseLevel(f.LogLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = f.LogLevel
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "qortpeer",
		Short: "Peer handshake client and responder",
		Long: `qortpeer performs the QORT peer handshake: it exchanges HELLO and
CHALLENGE frames, derives an X25519 shared secret from the Ed25519 node
identity and answers the peer's challenge with a proof-of-work RESPONSE.`,
		Example: `  # Show (and create if needed) the node identity
  qortpeer identity -c qortpeer.toml

  # Handshake with a peer on the default port
  qortpeer connect node1.qortal.org

  # Answer inbound handshakes
  qortpeer listen -c qortpeer.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "logging level (DEBUG, INFO, NOTICE, WARNING, ERROR)")
	cmd.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "directory holding the node identity")

	cmd.AddCommand(
		newIdentityCommand(&flags),
		newConnectCommand(&flags),
		newListenCommand(&flags),
	)
	return cmd
}

func newIdentityCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Create or load the node identity and print its public keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			id, created, err := crypto.LoadOrCreateIdentity(cfg.DataDir)
			if err != nil {
				return err
			}
			defer id.Destroy()
			return printIdentity(cmd.OutOrStdout(), cfg.DataDir, id, created)
		},
	}
}

func printIdentity(w io.Writer, dir string, id *crypto.Identity, created bool) error {
	pub, err := id.PublicKey()
	if err != nil {
		return err
	}
	xpub, err := id.X25519Public()
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "created new identity in %s\n", dir)
	}
	fmt.Fprintf(w, "ed25519:     %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(w, "x25519:      %s\n", hex.EncodeToString(xpub))
	fmt.Fprintf(w, "fingerprint: %s\n", crypto.Fingerprint(pub))
	return nil
}

// env bundles what both network commands need.
type env struct {
	cfg      *config.Config
	backend  *log.Backend
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func newEnv(flags *rootFlags) (*env, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	reg := diag.NewRegistry()
	if err := m.Register(reg); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &env{cfg: cfg, backend: backend, metrics: m, registry: reg}, nil
}

func (r *env) newNode(dialer node.Dialer) (*node.Node, error) {
	hs := r.cfg.Handshake
	return node.NewNode(node.Options{
		DataDir:         r.cfg.DataDir,
		WorkBufferSize:  r.cfg.ProofOfWork.WorkBufferSize,
		Difficulty:      hs.Difficulty,
		Version:         hs.Version,
		Timeout:         hs.TimeoutDuration(),
		VerifyResponses: hs.VerifyResponses,
		MaxClockSkew:    hs.ClockSkew(),
		Dialer:          dialer,
		Backend:         r.backend,
		Metrics:         r.metrics,
	})
}

func (r *env) close() {
	l := r.backend.GetLogger("main")
	if err := r.metrics.WriteSnapshot(r.cfg.Debug.MetricsSnapshot); err != nil {
		l.Warningf("metrics snapshot: %v", err)
	}
	_ = r.backend.Close()
}

func newConnectCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [host[:port]]",
		Short: "Dial a peer and run the handshake",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newEnv(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			target := rt.cfg.Peer.Address
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				return fmt.Errorf("invalid argument: no peer address given and Peer.Address is not set")
			}
			addr, err := network.ResolveAddr(target, rt.cfg.Peer.Port)
			if err != nil {
				return err
			}
			transport, err := network.ParseTransport(rt.cfg.Peer.Transport)
			if err != nil {
				return err
			}
			n, err := rt.newNode(network.Dialer{Transport: transport, InsecureTLS: rt.cfg.Peer.InsecureTLS})
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, err := n.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer s.Close()
			printResult(cmd.OutOrStdout(), addr, s.Result())
			return nil
		},
	}
}

func printResult(w io.Writer, addr string, r *node.Result) {
	fmt.Fprintf(w, "handshake with %s established\n", addr)
	fmt.Fprintf(w, "peer ed25519: %s\n", hex.EncodeToString(r.PeerPublicKey))
	if r.PeerHello != nil {
		fmt.Fprintf(w, "peer version: %s\n", r.PeerHello.Version)
	}
	if r.PeerResponse != nil {
		fmt.Fprintf(w, "peer response: nonce=%d hash=%s\n", r.PeerResponse.Nonce, hex.EncodeToString(r.PeerResponse.Hash[:]))
	}
}

func newListenCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Answer inbound handshakes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newEnv(flags)
			if err != nil {
				return err
			}
			defer rt.close()
			lc := rt.cfg.Listener
			transport, err := network.ParseTransport(lc.Transport)
			if err != nil {
				return err
			}
			n, err := rt.newNode(nil)
			if err != nil {
				return err
			}
			defer n.Close()
			ln, err := network.Listen(lc.Address, network.ListenOptions{
				Transport:       transport,
				MaxConnsPerIP:   lc.MaxConnsPerIP,
				MaxStreamsPerIP: lc.MaxStreamsPerIP,
				Logger:          rt.backend.GetLogger("network"),
			})
			if err != nil {
				return err
			}
			defer ln.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return n.Serve(gctx, ln)
			})
			if dc := rt.cfg.Debug; dc.DiagAddress != "" {
				srv, err := diag.Listen(diag.Options{
					Addr:        dc.DiagAddress,
					AllowRemote: dc.AllowRemote,
					Gatherer:    rt.registry,
					Logger:      rt.backend.GetLogger("diag"),
				})
				if err != nil {
					stop()
					_ = g.Wait()
					return err
				}
				g.Go(func() error {
					return srv.Serve(gctx)
				})
			}
			return g.Wait()
		},
	}
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
