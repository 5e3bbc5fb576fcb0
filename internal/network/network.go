// Package network provides the stream transports handshakes run over:
// plain TCP and a single bidirectional QUIC stream.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"qortpeer/internal/log"
)

const DefaultPort = 12392

type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportQUIC Transport = "quic"
)

var ErrUnknownTransport = errors.New("network: unknown transport")

func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TransportTCP:
		return TransportTCP, nil
	case TransportQUIC:
		return TransportQUIC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
}

// ResolveAddr normalises "host", "host:port" and "[v6]:port" into a
// dialable address, filling in defPort when the port is missing.
func ResolveAddr(s string, defPort int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("network: empty address")
	}
	if defPort <= 0 {
		defPort = DefaultPort
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if strings.ContainsAny(host, "[]") {
			return "", fmt.Errorf("network: bad address %q", s)
		}
		return net.JoinHostPort(host, strconv.Itoa(defPort)), nil
	}
	if host == "" {
		return "", fmt.Errorf("network: missing host in %q", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("network: bad port in %q", s)
	}
	return net.JoinHostPort(host, port), nil
}

// Dialer opens handshake streams over one transport.
type Dialer struct {
	Transport Transport
	// InsecureTLS skips QUIC certificate verification. Peers are
	// authenticated by the handshake, not by TLS.
	InsecureTLS bool
}

func (d Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	switch d.Transport {
	case "", TransportTCP:
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", addr)
	case TransportQUIC:
		return dialQUIC(ctx, addr, d.InsecureTLS)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, d.Transport)
	}
}

type ListenOptions struct {
	Transport       Transport
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Logger          *logging.Logger
}

// Listener hands out inbound streams. Accept closes the listener when
// its context ends.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

func Listen(addr string, opts ListenOptions) (Listener, error) {
	if opts.Logger == nil {
		opts.Logger = log.Discard("network")
	}
	lim := newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP)
	switch opts.Transport {
	case "", TransportTCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpListener{ln: ln, lim: lim, log: opts.Logger}, nil
	case TransportQUIC:
		return listenQUIC(addr, lim, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, opts.Transport)
	}
}

type tcpListener struct {
	ln  net.Listener
	lim *ipLimiter
	log *logging.Logger
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		ip := hostOf(c.RemoteAddr())
		if !l.lim.acquireConn(ip) {
			l.log.Warningf("refusing %s: too many connections from %s", c.RemoteAddr(), ip)
			_ = c.Close()
			continue
		}
		return &releaseConn{Conn: c, release: func() { l.lim.releaseConn(ip) }}, nil
	}
}

// releaseConn returns its limiter slot on the first Close.
type releaseConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *releaseConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
