package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"qortpeer/internal/arena"
	"qortpeer/internal/crypto"
	"qortpeer/internal/log"
	"qortpeer/internal/metrics"
	"qortpeer/internal/pow"
)

const (
	DefaultVersion    = "qortal-4.6.0"
	DefaultDifficulty = 2
	DefaultTimeout    = 30 * time.Second
)

// Dialer opens a stream to a peer.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// Listener yields inbound streams until ctx ends or it is closed.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

type Options struct {
	// DataDir holds the identity file. Ignored when Identity is set.
	DataDir  string
	Identity *crypto.Identity

	// Kernel defaults to pow.MemoryKernel.
	Kernel         pow.Kernel
	WorkBufferSize int
	Difficulty     int
	Version        string

	// Timeout bounds a whole handshake. Zero means DefaultTimeout and a
	// negative value disables it.
	Timeout         time.Duration
	VerifyResponses bool
	MaxClockSkew    time.Duration

	Dialer  Dialer
	Logger  *logging.Logger
	Backend *log.Backend
	Metrics *metrics.Metrics
	Rand    io.Reader
}

// Node owns an identity and the proof-of-work arena shared by all of its
// handshakes.
type Node struct {
	Identity *crypto.Identity
	Sessions *SessionStore

	queue   *arena.Queue
	bridge  *pow.Bridge
	opts    Options
	log     *logging.Logger
	backend *log.Backend
	metrics *metrics.Metrics
	limiter *log.RateLimiter

	wg sync.WaitGroup
}

func NewNode(opts Options) (*Node, error) {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Difficulty == 0 {
		opts.Difficulty = DefaultDifficulty
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.WorkBufferSize == 0 {
		opts.WorkBufferSize = pow.DefaultWorkBufferSize
	}
	if opts.Kernel == nil {
		opts.Kernel = pow.MemoryKernel{}
	}
	n := &Node{
		opts:    opts,
		backend: opts.Backend,
		metrics: opts.Metrics,
		limiter: log.NewRateLimiter(10 * time.Second),
	}
	n.log = opts.Logger
	if n.log == nil {
		if n.backend != nil {
			n.log = n.backend.GetLogger("node")
		} else {
			n.log = log.Discard("node")
		}
	}

	id := opts.Identity
	if id == nil {
		if opts.DataDir == "" {
			return nil, errors.New("node: need a data directory or an identity")
		}
		loaded, created, err := crypto.LoadOrCreateIdentity(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("node: identity: %w", err)
		}
		if created {
			n.log.Noticef("created new identity in %s", opts.DataDir)
		}
		id = loaded
	}
	n.Identity = id

	n.queue = arena.NewQueue(arena.New(0, pow.CycleSize(opts.WorkBufferSize)))
	bridge, err := pow.NewBridge(n.queue, opts.Kernel, pow.Options{
		WorkBufferSize: opts.WorkBufferSize,
		Logger:         n.logger("pow"),
		Metrics:        n.metrics,
	})
	if err != nil {
		if opts.Identity == nil {
			id.Destroy()
		}
		return nil, err
	}
	n.bridge = bridge
	n.Sessions = NewSessionStore()
	return n, nil
}

func (n *Node) logger(module string) *logging.Logger {
	if n.backend != nil {
		return n.backend.GetLogger(module)
	}
	return n.log
}

// Arena exposes the allocation queue backing proof-of-work cycles.
func (n *Node) Arena() *arena.Queue {
	return n.queue
}

func (n *Node) Bridge() *pow.Bridge {
	return n.bridge
}

func (n *Node) sessionConfig() SessionConfig {
	cfg := SessionConfig{
		Identity:        n.Identity,
		Prover:          n.bridge,
		Difficulty:      n.opts.Difficulty,
		Version:         n.opts.Version,
		VerifyResponses: n.opts.VerifyResponses,
		MaxClockSkew:    n.opts.MaxClockSkew,
		Logger:          n.logger("session"),
		Metrics:         n.metrics,
		RateLimiter:     n.limiter,
		Rand:            n.opts.Rand,
	}
	if n.opts.VerifyResponses {
		cfg.Verifier = n.bridge
	}
	return cfg
}

// Dial connects to addr and runs the handshake. Timeout covers the dial
// and the handshake together. The caller owns the returned session and
// must close it.
func (n *Node) Dial(ctx context.Context, addr string) (*Session, error) {
	if n.opts.Dialer == nil {
		return nil, errors.New("node: no dialer configured")
	}
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	conn, err := n.opts.Dialer.DialContext(ctx, addr)
	if err != nil {
		n.metrics.HandshakeStarted()
		n.metrics.HandshakeFailed(metrics.FailTransport)
		return nil, fmt.Errorf("node: dial %s: %w", addr, err)
	}
	return n.handshake(ctx, conn)
}

// Handshake runs the handshake over an already connected stream. On
// failure the connection is closed.
func (n *Node) Handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	return n.handshake(ctx, conn)
}

func (n *Node) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, n.opts.Timeout, ErrHandshakeTimeout)
}

func (n *Node) handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	s, err := NewSession(conn, n.sessionConfig())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	res, err := s.Run(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	n.Sessions.Put(conn.RemoteAddr(), res)
	return s, nil
}

// Serve accepts inbound streams and answers their handshakes until ctx
// ends or the listener fails. Established sessions are recorded in
// Sessions and then closed.
func (n *Node) Serve(ctx context.Context, l Listener) error {
	n.log.Noticef("listening on %s", l.Addr())
	defer n.wg.Wait()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			s, err := n.Handshake(ctx, conn)
			if err != nil {
				n.log.Warningf("inbound handshake from %s: %v", conn.RemoteAddr(), err)
				return
			}
			_ = s.Close()
		}()
	}
}

// Close rejects any queued arena allocations and wipes the identity.
func (n *Node) Close() {
	n.queue.Close(nil)
	n.wg.Wait()
	n.Identity.Destroy()
}
