package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "qortpeer"

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// devTLSCert derives a fixed self-signed certificate, so every node
// presents the same one and clients can pin it.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("qortpeer-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
			MinVersion:         tls.VersionTLS13,
		}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

func dialQUIC(ctx context.Context, addr string, insecure bool) (net.Conn, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &streamConn{stream: stream, conn: conn, ownsConn: true}, nil
}

// streamConn presents one QUIC stream as a net.Conn.
type streamConn struct {
	stream   *quic.Stream
	conn     *quic.Conn
	ownsConn bool
	once     sync.Once
	release  func()
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *streamConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		err = c.stream.Close()
		if c.ownsConn {
			_ = c.conn.CloseWithError(0, "")
		}
		if c.release != nil {
			c.release()
		}
	})
	return err
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// quicListener turns every inbound QUIC stream into one handshake
// connection.
type quicListener struct {
	ln     *quic.Listener
	lim    *ipLimiter
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	out    chan acceptResult
	once   sync.Once
}

func listenQUIC(addr string, lim *ipLimiter, logger *logging.Logger) (*quicListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		lim:    lim,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan acceptResult),
	}
	go l.acceptConns()
	return l, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case r := <-l.out:
		return r.conn, r.err
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) acceptConns() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			select {
			case l.out <- acceptResult{err: err}:
			case <-l.ctx.Done():
			}
			return
		}
		ip := hostOf(conn.RemoteAddr())
		if !l.lim.acquireConn(ip) {
			l.log.Warningf("refusing QUIC connection from %s: too many connections", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go l.acceptStreams(conn, ip)
	}
}

func (l *quicListener) acceptStreams(conn *quic.Conn, ip string) {
	defer l.lim.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.log.Debugf("QUIC connection from %s ended: %v", ip, err)
			}
			return
		}
		if !l.lim.acquireStream(ip) {
			l.log.Warningf("refusing QUIC stream from %s: too many streams", ip)
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		sc := &streamConn{stream: stream, conn: conn, release: func() { l.lim.releaseStream(ip) }}
		select {
		case l.out <- acceptResult{conn: sc}:
		case <-l.ctx.Done():
			_ = sc.Close()
			return
		}
	}
}
