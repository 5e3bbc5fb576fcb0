package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"qortpeer/internal/crypto"
	"qortpeer/internal/log"
	"qortpeer/internal/metrics"
	"qortpeer/internal/proto"
)

// State is the position of a session in the handshake.
type State int32

const (
	StateInit State = iota
	StateSentHello
	StateAwaitChallengeOrHello
	StateAwaitResponse
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSentHello:
		return "SENT_HELLO"
	case StateAwaitChallengeOrHello:
		return "AWAIT_CHALLENGE_OR_HELLO"
	case StateAwaitResponse:
		return "AWAIT_RESPONSE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s == StateEstablished || s == StateFailed
}

var (
	ErrProtocolViolation = errors.New("node: protocol violation")
	ErrHandshakeTimeout  = errors.New("node: handshake timed out")
	ErrSessionClosed     = errors.New("node: session closed")
	ErrAlreadyStarted    = errors.New("node: session already started")
	ErrClockSkew         = errors.New("node: peer clock skew too large")
	ErrBadResponse       = errors.New("node: peer response does not match challenge")
	ErrPeerKey           = errors.New("node: unusable peer key")
)

const readChunk = 4096

// maxBuffered bounds the receive buffer to one maximal frame.
const maxBuffered = proto.HeaderSize + proto.MaxPayloadSize

// Prover computes proof-of-work nonces. *pow.Bridge implements it.
type Prover interface {
	ComputeProofOfWork(ctx context.Context, hash [32]byte, difficulty int) (uint32, error)
}

// ResponseVerifier checks a peer's proof-of-work nonce. *pow.Bridge
// implements it.
type ResponseVerifier interface {
	Verify(hash [32]byte, nonce uint32, difficulty int) (bool, error)
}

type SessionConfig struct {
	Identity   *crypto.Identity
	Prover     Prover
	Difficulty int
	Version    string

	// VerifyResponses checks the peer's RESPONSE against our own
	// challenge. Verifier is optional; without it only the hash is
	// compared.
	VerifyResponses bool
	Verifier        ResponseVerifier

	// MaxClockSkew rejects HELLOs whose timestamp is further than this
	// from the local clock. Zero disables the check.
	MaxClockSkew time.Duration

	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	RateLimiter *log.RateLimiter
	Now         func() time.Time
	Rand        io.Reader
}

// Result is what a completed handshake yields to the caller.
type Result struct {
	PeerPublicKey ed25519.PublicKey
	// PeerHello is nil when the peer went straight to CHALLENGE.
	PeerHello *proto.Hello
	// PeerResponse is the peer's RESPONSE, if one arrived. It is not
	// verified unless VerifyResponses is set.
	PeerResponse *proto.Response
	SharedSecret []byte
}

// Session runs the handshake over a single connection. Feed and Run must
// be called from one goroutine; Fail, State and the accessors are safe
// from any goroutine.
type Session struct {
	conn net.Conn
	cfg  SessionConfig
	log  *logging.Logger

	localPub   ed25519.PublicKey
	localNonce [crypto.ChallengeNonceSize]byte

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelCauseFunc

	feedMu  sync.Mutex
	writeMu sync.Mutex
	buf     []byte

	mu            sync.Mutex
	err           error
	peerPub       ed25519.PublicKey
	peerNonce     [crypto.ChallengeNonceSize]byte
	shared        []byte
	peerHello     *proto.Hello
	peerResponse  *proto.Response
	sentChallenge bool
	sentResponse  bool
	gotResponse   bool
}

func NewSession(conn net.Conn, cfg SessionConfig) (*Session, error) {
	if cfg.Identity == nil {
		return nil, errors.New("node: session needs an identity")
	}
	if cfg.Prover == nil {
		return nil, errors.New("node: session needs a prover")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard("session")
	}
	pub, err := cfg.Identity.PublicKey()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomNonce(cfg.Rand)
	if err != nil {
		return nil, err
	}
	s := &Session{
		conn:       conn,
		cfg:        cfg,
		log:        cfg.Logger,
		localPub:   pub,
		localNonce: nonce,
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	cfg.Metrics.HandshakeStarted()
	return s, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the reason the session failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Conn() net.Conn {
	return s.conn
}

// LocalNonce is the challenge nonce this side sends in its CHALLENGE.
func (s *Session) LocalNonce() [crypto.ChallengeNonceSize]byte {
	return s.localNonce
}

// PeerResponse returns the peer's RESPONSE once it has arrived.
func (s *Session) PeerResponse() (proto.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerResponse == nil {
		return proto.Response{}, false
	}
	return *s.peerResponse, true
}

// Result returns the handshake outcome. It is only complete once the
// session is established.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Result{
		PeerPublicKey: append(ed25519.PublicKey(nil), s.peerPub...),
		SharedSecret:  append([]byte(nil), s.shared...),
	}
	if s.peerHello != nil {
		h := *s.peerHello
		r.PeerHello = &h
	}
	if s.peerResponse != nil {
		resp := *s.peerResponse
		r.PeerResponse = &resp
	}
	return r
}

// advance moves to next unless the session already ended.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Fail moves the session to FAILED, aborts any proof-of-work in flight
// (releasing its arena memory) and closes the connection. It is a no-op
// on a session that already ended.
func (s *Session) Fail(err error) {
	s.fail(err, failReason(err))
}

func (s *Session) fail(err error, reason metrics.FailReason) error {
	if err == nil {
		err = ErrSessionClosed
	}
	if !s.advance(StateFailed) {
		if e := s.Err(); e != nil {
			return e
		}
		return err
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cfg.Metrics.HandshakeFailed(reason)
	s.cancel(err)
	_ = s.conn.Close()
	s.log.Infof("handshake with %s failed: %v", s.remote(), err)
	return err
}

func failReason(err error) metrics.FailReason {
	switch {
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.FailTimeout
	case errors.Is(err, ErrProtocolViolation):
		return metrics.FailProtocol
	case errors.Is(err, ErrPeerKey):
		return metrics.FailKeys
	case errors.Is(err, ErrBadResponse):
		return metrics.FailVerify
	default:
		return metrics.FailTransport
	}
}

// Close ends the session and closes the connection. A session still in
// progress is failed with ErrSessionClosed.
func (s *Session) Close() error {
	var err error
	if s.State() == StateEstablished {
		err = s.conn.Close()
	} else {
		s.fail(ErrSessionClosed, metrics.FailTransport)
	}
	s.cancel(ErrSessionClosed)
	s.mu.Lock()
	clear(s.shared)
	s.mu.Unlock()
	return err
}

func (s *Session) remote() string {
	if s.conn == nil || s.conn.RemoteAddr() == nil {
		return "unknown"
	}
	return s.conn.RemoteAddr().String()
}

func (s *Session) send(m proto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := proto.WriteMessage(s.conn, m); err != nil {
		return s.fail(fmt.Errorf("node: send %s: %w", m.Type(), err), metrics.FailTransport)
	}
	s.cfg.Metrics.FrameSent()
	s.log.Debugf("sent %s to %s", m.Type(), s.remote())
	return nil
}

// Start sends our HELLO.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.fail(err, failReason(err))
	}
	if !s.state.CompareAndSwap(int32(StateInit), int32(StateSentHello)) {
		return ErrAlreadyStarted
	}
	hello := proto.Hello{
		Timestamp: s.cfg.Now().UnixMilli(),
		Version:   s.cfg.Version,
		Address:   s.remote(),
	}
	return s.send(hello)
}

// Feed appends bytes received from the peer and processes every
// complete frame in arrival order.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	switch st := s.State(); st {
	case StateFailed:
		return s.Err()
	case StateEstablished:
		return nil
	}
	s.state.CompareAndSwap(int32(StateSentHello), int32(StateAwaitChallengeOrHello))

	if len(s.buf)+len(chunk) > maxBuffered {
		return s.fail(fmt.Errorf("%w: receive buffer overflow", ErrProtocolViolation), metrics.FailProtocol)
	}
	s.buf = append(s.buf, chunk...)

	for len(s.buf) > 0 {
		f, err := proto.DecodeFrame(s.buf)
		switch {
		case err == nil:
		case errors.Is(err, proto.ErrIncomplete), errors.Is(err, proto.ErrBadMagic):
			return nil
		case errors.Is(err, proto.ErrChecksumMismatch):
			s.cfg.Metrics.FrameDroppedChecksum()
			s.buf = s.buf[f.Size:]
			return s.fail(fmt.Errorf("%w: %w", ErrProtocolViolation, err), metrics.FailProtocol)
		default:
			return s.fail(fmt.Errorf("%w: %w", ErrProtocolViolation, err), metrics.FailProtocol)
		}
		s.buf = s.buf[f.Size:]
		s.cfg.Metrics.FrameReceived()

		if err := s.dispatch(ctx, f); err != nil {
			return err
		}
		if s.State().Terminal() {
			break
		}
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, f proto.Frame) error {
	msg, err := proto.ParseMessage(f)
	if errors.Is(err, proto.ErrUnknownType) {
		s.cfg.Metrics.FrameDroppedUnknown()
		s.cfg.RateLimiter.Warningf(s.log, s.remote()+"/"+f.Type.String(),
			"ignoring %s (%d bytes) from %s", f.Type, len(f.Payload), s.remote())
		return nil
	}
	if err != nil {
		return s.fail(fmt.Errorf("%w: %s: %w", ErrProtocolViolation, f.Type, err), metrics.FailProtocol)
	}
	s.log.Debugf("received %s from %s", f.Type, s.remote())
	switch m := msg.(type) {
	case proto.Hello:
		return s.onHello(m)
	case proto.Challenge:
		return s.onChallenge(ctx, m)
	case proto.Response:
		return s.onResponse(m)
	}
	return nil
}

func (s *Session) onHello(m proto.Hello) error {
	s.mu.Lock()
	already := s.sentChallenge
	s.mu.Unlock()
	if already {
		s.log.Debugf("duplicate HELLO from %s ignored", s.remote())
		return nil
	}
	if skew := s.cfg.MaxClockSkew; skew > 0 {
		d := s.cfg.Now().Sub(time.UnixMilli(m.Timestamp))
		if d > skew || d < -skew {
			return s.fail(fmt.Errorf("%w: %w (%s)", ErrProtocolViolation, ErrClockSkew, d), metrics.FailProtocol)
		}
	}
	var ch proto.Challenge
	copy(ch.PublicKey[:], s.localPub)
	ch.Nonce = s.localNonce
	s.mu.Lock()
	s.peerHello = &m
	s.sentChallenge = true
	s.mu.Unlock()
	s.log.Infof("HELLO from %s version=%q", s.remote(), m.Version)
	return s.send(ch)
}

func (s *Session) onChallenge(ctx context.Context, m proto.Challenge) error {
	s.mu.Lock()
	already := s.sentResponse
	s.mu.Unlock()
	if already {
		s.log.Debugf("duplicate CHALLENGE from %s ignored", s.remote())
		return nil
	}

	shared, err := s.cfg.Identity.Shared(m.PublicKey[:])
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrPeerKey, err), metrics.FailKeys)
	}
	hash := crypto.ResponseHash(shared, m.Nonce[:])
	s.mu.Lock()
	s.peerPub = append(ed25519.PublicKey(nil), m.PublicKey[:]...)
	s.peerNonce = m.Nonce
	s.shared = shared
	s.mu.Unlock()

	nonce, err := s.prove(ctx, hash)
	if err != nil {
		if e := s.Err(); e != nil {
			return e
		}
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			return s.fail(cause, failReason(cause))
		}
		return s.fail(fmt.Errorf("node: proof of work: %w", err), metrics.FailPoW)
	}
	if err := s.send(proto.Response{Nonce: nonce, Hash: hash}); err != nil {
		return err
	}

	s.mu.Lock()
	s.sentResponse = true
	owed := s.sentChallenge && !s.gotResponse
	pending := s.peerResponse
	s.mu.Unlock()
	s.log.Infof("answered CHALLENGE from %s with nonce %d", s.remote(), nonce)

	if s.cfg.VerifyResponses && pending != nil {
		if err := s.verify(*pending); err != nil {
			return err
		}
	}
	if owed {
		s.advance(StateAwaitResponse)
		return nil
	}
	return s.establish()
}

// prove runs the proof of work under a context that also ends when the
// session is failed from another goroutine.
func (s *Session) prove(ctx context.Context, hash [32]byte) (uint32, error) {
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})
	defer stop()
	return s.cfg.Prover.ComputeProofOfWork(pctx, hash, s.cfg.Difficulty)
}

func (s *Session) onResponse(m proto.Response) error {
	s.mu.Lock()
	if s.gotResponse {
		s.mu.Unlock()
		s.log.Debugf("duplicate RESPONSE from %s ignored", s.remote())
		return nil
	}
	s.gotResponse = true
	s.peerResponse = &m
	sentChallenge := s.sentChallenge
	responded := s.sentResponse
	s.mu.Unlock()
	s.log.Infof("RESPONSE from %s: nonce=%d hash=%x", s.remote(), m.Nonce, m.Hash[:8])

	if s.cfg.VerifyResponses {
		if !sentChallenge {
			return s.fail(fmt.Errorf("%w: RESPONSE without our CHALLENGE", ErrProtocolViolation), metrics.FailProtocol)
		}
		// the shared secret is only known once the peer's CHALLENGE
		// arrived; onChallenge verifies otherwise.
		if responded {
			if err := s.verify(m); err != nil {
				return err
			}
		}
	}
	if responded {
		return s.establish()
	}
	return nil
}

func (s *Session) verify(m proto.Response) error {
	s.mu.Lock()
	want := crypto.ResponseHash(s.shared, s.localNonce[:])
	s.mu.Unlock()
	if m.Hash != want {
		return s.fail(fmt.Errorf("%w: hash", ErrBadResponse), metrics.FailVerify)
	}
	if s.cfg.Verifier == nil {
		return nil
	}
	ok, err := s.cfg.Verifier.Verify(m.Hash, m.Nonce, s.cfg.Difficulty)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrBadResponse, err), metrics.FailVerify)
	}
	if !ok {
		return s.fail(fmt.Errorf("%w: nonce %d below difficulty %d", ErrBadResponse, m.Nonce, s.cfg.Difficulty), metrics.FailVerify)
	}
	return nil
}

func (s *Session) establish() error {
	if !s.advance(StateEstablished) {
		return s.Err()
	}
	s.cfg.Metrics.HandshakeEstablished()
	s.log.Noticef("handshake with %s established, peer %s", s.remote(), crypto.Fingerprint(s.Result().PeerPublicKey))
	return nil
}

// Run sends HELLO and reads from the connection until the handshake
// ends. When ctx ends first the session is failed with its cause.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	stop := context.AfterFunc(ctx, func() {
		s.Fail(context.Cause(ctx))
	})
	defer stop()

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	buf := make([]byte, readChunk)
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			if err := s.Feed(ctx, buf[:n]); err != nil {
				return nil, err
			}
			if s.State() == StateEstablished {
				return s.Result(), nil
			}
		}
		if rerr != nil {
			if e := s.Err(); e != nil {
				return nil, e
			}
			return nil, s.fail(fmt.Errorf("node: read from %s: %w", s.remote(), rerr), metrics.FailTransport)
		}
	}
}
