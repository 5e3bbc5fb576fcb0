package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"

	"qortpeer/internal/crypto"
	"qortpeer/internal/metrics"
	"qortpeer/internal/proto"
	"qortpeer/internal/testutil"
)

type fixedProver struct {
	mu         sync.Mutex
	nonce      uint32
	hash       [32]byte
	difficulty int
	calls      int
}

func (p *fixedProver) ComputeProofOfWork(_ context.Context, hash [32]byte, difficulty int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hash = hash
	p.difficulty = difficulty
	p.calls++
	return p.nonce, nil
}

type okVerifier struct{ ok bool }

func (v okVerifier) Verify([32]byte, uint32, int) (bool, error) { return v.ok, nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

// recordConn captures everything the session writes.
type recordConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *recordConn) Read([]byte) (int, error) { return 0, net.ErrClosed }
func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(p)
}
func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *recordConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *recordConn) RemoteAddr() net.Addr             { return fakeAddr("peer:12392") }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

// frames decodes everything written so far.
func (c *recordConn) frames(t *testing.T) []proto.Frame {
	t.Helper()
	c.mu.Lock()
	buf := append([]byte(nil), c.out.Bytes()...)
	c.mu.Unlock()
	var out []proto.Frame
	for len(buf) > 0 {
		f, err := proto.DecodeFrame(buf)
		require.NoError(t, err)
		out = append(out, f)
		buf = buf[f.Size:]
	}
	return out
}

// frameReader pulls whole frames off a stream.
type frameReader struct {
	conn net.Conn
	buf  []byte
}

func (r *frameReader) next(t *testing.T) proto.Frame {
	t.Helper()
	tmp := make([]byte, 512)
	for {
		f, err := proto.DecodeFrame(r.buf)
		if err == nil {
			r.buf = r.buf[f.Size:]
			return f
		}
		require.ErrorIs(t, err, proto.ErrIncomplete)
		n, err := r.conn.Read(tmp)
		require.NoError(t, err)
		r.buf = append(r.buf, tmp[:n]...)
	}
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(nil)
	require.NoError(t, err)
	return id
}

func pubOf(t *testing.T, id *crypto.Identity) []byte {
	t.Helper()
	pub, err := id.PublicKey()
	require.NoError(t, err)
	return pub
}

func encode(t *testing.T, m proto.Message) []byte {
	t.Helper()
	p, err := m.MarshalBinary()
	require.NoError(t, err)
	return proto.EncodeFrame(m.Type(), p, false)
}

func challengeFrom(t *testing.T, id *crypto.Identity, nonce byte) proto.Challenge {
	var ch proto.Challenge
	copy(ch.PublicKey[:], pubOf(t, id))
	for i := range ch.Nonce {
		ch.Nonce[i] = nonce
	}
	return ch
}

func TestSessionAnswersChallenge(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	local, remote := net.Pipe()
	defer remote.Close()
	prover := &fixedProver{nonce: 0xdeadbeef}
	s, err := NewSession(local, SessionConfig{Identity: a, Prover: prover, Difficulty: 2, Version: "test-1"})
	require.NoError(t, err)
	defer s.Close()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(context.Background())
		done <- outcome{res, err}
	}()

	peer := &frameReader{conn: remote}
	f := peer.next(t)
	require.Equal(t, proto.TypeHello, f.Type)
	hello, err := proto.DecodeHello(f.Payload)
	require.NoError(t, err)
	require.Equal(t, "test-1", hello.Version)

	ch := challengeFrom(t, b, 0x42)
	require.NoError(t, proto.WriteMessage(remote, ch))

	f = peer.next(t)
	require.Equal(t, proto.TypeResponse, f.Type)
	require.Len(t, f.Payload, 36)
	require.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(f.Payload[:4]))

	shared, err := b.Shared(pubOf(t, a))
	require.NoError(t, err)
	want := crypto.ResponseHash(shared, ch.Nonce[:])
	require.Equal(t, want[:], f.Payload[4:])
	require.Equal(t, want, prover.hash)
	require.Equal(t, 2, prover.difficulty)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, StateEstablished, s.State())
	require.Equal(t, shared, out.res.SharedSecret)
	require.Equal(t, pubOf(t, b), []byte(out.res.PeerPublicKey))
	require.Nil(t, out.res.PeerHello)
	require.Nil(t, out.res.PeerResponse)
}

func TestSessionHelloGetsChallenge(t *testing.T) {
	a := newIdentity(t)
	conn := &recordConn{}
	s, err := NewSession(conn, SessionConfig{Identity: a, Prover: &fixedProver{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateSentHello, s.State())

	hello := encode(t, proto.Hello{Timestamp: 1, Version: "v", Address: "1.2.3.4:12392"})
	for _, c := range testutil.Chunks(hello, 1) {
		require.NoError(t, s.Feed(context.Background(), c))
	}
	// duplicate HELLO does not produce a second CHALLENGE
	require.NoError(t, s.Feed(context.Background(), hello))
	require.Equal(t, StateAwaitChallengeOrHello, s.State())

	frames := conn.frames(t)
	require.Len(t, frames, 2)
	require.Equal(t, proto.TypeHello, frames[0].Type)
	require.Equal(t, proto.TypeChallenge, frames[1].Type)
	ch, err := proto.DecodeChallenge(frames[1].Payload)
	require.NoError(t, err)
	require.Equal(t, pubOf(t, a), ch.PublicKey[:])
	require.Equal(t, s.LocalNonce(), ch.Nonce)
	require.Equal(t, "v", s.Result().PeerHello.Version)
}

func TestSessionIgnoresUnknownType(t *testing.T) {
	m := metrics.New()
	conn := &recordConn{}
	s, err := NewSession(conn, SessionConfig{Identity: newIdentity(t), Prover: &fixedProver{}, Metrics: m})
	require.NoError(t, err)

	require.NoError(t, s.Feed(context.Background(), proto.EncodeFrame(1, []byte("reserved"), false)))
	require.NoError(t, s.Feed(context.Background(), proto.EncodeFrame(99, nil, true)))
	require.Equal(t, StateInit, s.State())
	require.Empty(t, conn.frames(t))
	require.EqualValues(t, 2, m.Snapshot().Frames.DropUnknown)
}

func TestSessionChecksumMismatchFails(t *testing.T) {
	m := metrics.New()
	conn := &recordConn{}
	s, err := NewSession(conn, SessionConfig{Identity: newIdentity(t), Prover: &fixedProver{}, Metrics: m})
	require.NoError(t, err)

	frame := encode(t, proto.Hello{Timestamp: 1, Version: "v"})
	frame[len(frame)-1] ^= 0xff
	err = s.Feed(context.Background(), frame)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, err, proto.ErrChecksumMismatch)
	require.Equal(t, StateFailed, s.State())
	require.True(t, conn.closed)
	require.Empty(t, conn.frames(t))

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.Frames.DropChecksum)
	require.EqualValues(t, 1, snap.Handshake.Failed)

	// a failed session stays failed
	require.ErrorIs(t, s.Feed(context.Background(), encode(t, proto.Hello{})), ErrProtocolViolation)
}

func TestSessionMalformedPayloadFails(t *testing.T) {
	s, err := NewSession(&recordConn{}, SessionConfig{Identity: newIdentity(t), Prover: &fixedProver{}})
	require.NoError(t, err)
	err = s.Feed(context.Background(), proto.EncodeFrame(proto.TypeChallenge, make([]byte, 10), false))
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Equal(t, StateFailed, s.State())
}

func TestSessionJunkOverflowFails(t *testing.T) {
	s, err := NewSession(&recordConn{}, SessionConfig{Identity: newIdentity(t), Prover: &fixedProver{}})
	require.NoError(t, err)
	junk := bytes.Repeat([]byte{'x'}, proto.HeaderSize)
	require.NoError(t, s.Feed(context.Background(), junk))
	require.Equal(t, StateInit, s.State())
	err = s.Feed(context.Background(), make([]byte, maxBuffered))
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Equal(t, StateFailed, s.State())
}

func invalidPoint(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	for i := 2; i < 256; i++ {
		b[0] = byte(i)
		if _, err := new(edwards25519.Point).SetBytes(b[:]); err != nil {
			return b
		}
	}
	t.Fatalf("no invalid point found")
	return b
}

func TestSessionBadPeerKeyFails(t *testing.T) {
	m := metrics.New()
	prover := &fixedProver{}
	s, err := NewSession(&recordConn{}, SessionConfig{Identity: newIdentity(t), Prover: prover, Metrics: m})
	require.NoError(t, err)
	ch := proto.Challenge{PublicKey: invalidPoint(t)}
	err = s.Feed(context.Background(), encode(t, ch))
	require.ErrorIs(t, err, ErrPeerKey)
	require.ErrorIs(t, err, crypto.ErrBadPublicKey)
	require.Equal(t, StateFailed, s.State())
	require.Zero(t, prover.calls)
}

func TestSessionResponseBeforeChallenge(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	conn := &recordConn{}
	s, err := NewSession(conn, SessionConfig{Identity: a, Prover: &fixedProver{nonce: 9}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var stream []byte
	stream = append(stream, encode(t, proto.Hello{Version: "b"})...)
	stream = append(stream, encode(t, proto.Response{Nonce: 5})...)
	stream = append(stream, encode(t, challengeFrom(t, b, 1))...)
	require.NoError(t, s.Feed(context.Background(), stream))

	require.Equal(t, StateEstablished, s.State())
	resp, ok := s.PeerResponse()
	require.True(t, ok)
	require.EqualValues(t, 5, resp.Nonce)
	frames := conn.frames(t)
	require.Len(t, frames, 3)
	require.Equal(t, proto.TypeResponse, frames[2].Type)
}

func TestSessionWaitsForResponseWhenOwed(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	s, err := NewSession(&recordConn{}, SessionConfig{Identity: a, Prover: &fixedProver{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Feed(context.Background(), encode(t, proto.Hello{})))
	require.NoError(t, s.Feed(context.Background(), encode(t, challengeFrom(t, b, 3))))
	require.Equal(t, StateAwaitResponse, s.State())
	require.NoError(t, s.Feed(context.Background(), encode(t, proto.Response{Nonce: 1})))
	require.Equal(t, StateEstablished, s.State())
}

func TestSessionVerifiesResponses(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	shared, err := b.Shared(pubOf(t, a))
	require.NoError(t, err)

	run := func(hashOf func(s *Session) [32]byte, v okVerifier) (*Session, error) {
		s, err := NewSession(&recordConn{}, SessionConfig{
			Identity:        a,
			Prover:          &fixedProver{},
			VerifyResponses: true,
			Verifier:        v,
		})
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Feed(context.Background(), encode(t, proto.Hello{})))
		require.NoError(t, s.Feed(context.Background(), encode(t, challengeFrom(t, b, 8))))
		return s, s.Feed(context.Background(), encode(t, proto.Response{Nonce: 1, Hash: hashOf(s)}))
	}
	good := func(s *Session) [32]byte {
		n := s.LocalNonce()
		return crypto.ResponseHash(shared, n[:])
	}

	s, err := run(good, okVerifier{ok: true})
	require.NoError(t, err)
	require.Equal(t, StateEstablished, s.State())

	s, err = run(func(*Session) [32]byte { return [32]byte{1} }, okVerifier{ok: true})
	require.ErrorIs(t, err, ErrBadResponse)
	require.Equal(t, StateFailed, s.State())

	s, err = run(good, okVerifier{ok: false})
	require.ErrorIs(t, err, ErrBadResponse)
	require.Equal(t, StateFailed, s.State())
}

func TestSessionRejectsClockSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := NewSession(&recordConn{}, SessionConfig{
		Identity:     newIdentity(t),
		Prover:       &fixedProver{},
		MaxClockSkew: time.Minute,
		Now:          func() time.Time { return now },
	})
	require.NoError(t, err)
	err = s.Feed(context.Background(), encode(t, proto.Hello{Timestamp: now.Add(-time.Hour).UnixMilli()}))
	require.ErrorIs(t, err, ErrClockSkew)
	require.Equal(t, StateFailed, s.State())
}

type blockingProver struct {
	entered chan struct{}
}

func (p *blockingProver) ComputeProofOfWork(ctx context.Context, _ [32]byte, _ int) (uint32, error) {
	close(p.entered)
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestSessionFailAbortsProofOfWork(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	local, remote := net.Pipe()
	defer remote.Close()
	prover := &blockingProver{entered: make(chan struct{})}
	s, err := NewSession(local, SessionConfig{Identity: a, Prover: prover})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	peer := &frameReader{conn: remote}
	require.Equal(t, proto.TypeHello, peer.next(t).Type)
	require.NoError(t, proto.WriteMessage(remote, challengeFrom(t, b, 2)))
	<-prover.entered

	driverErr := errors.New("driver gave up")
	s.Fail(driverErr)
	require.ErrorIs(t, <-done, driverErr)
	require.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.Err(), driverErr)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "AWAIT_CHALLENGE_OR_HELLO", StateAwaitChallengeOrHello.String())
	require.Equal(t, "State(42)", State(42).String())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateAwaitResponse.Terminal())
}
