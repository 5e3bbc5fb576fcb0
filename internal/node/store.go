package node

import (
	"net"
	"sync"
	"time"

	"qortpeer/internal/crypto"
)

// Peer is an established handshake as remembered by the node.
type Peer struct {
	Address     string
	PublicKey   []byte
	Version     string
	Established time.Time
}

// SessionStore remembers peers we completed a handshake with, keyed by
// their Ed25519 public key. Shared secrets are not kept.
type SessionStore struct {
	mu    sync.Mutex
	peers map[[crypto.PublicKeySize]byte]Peer
	now   func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		peers: make(map[[crypto.PublicKeySize]byte]Peer),
		now:   time.Now,
	}
}

func (s *SessionStore) Put(addr net.Addr, r *Result) {
	if r == nil || len(r.PeerPublicKey) != crypto.PublicKeySize {
		return
	}
	var key [crypto.PublicKeySize]byte
	copy(key[:], r.PeerPublicKey)
	p := Peer{
		PublicKey:   append([]byte(nil), r.PeerPublicKey...),
		Established: s.now(),
	}
	if addr != nil {
		p.Address = addr.String()
	}
	if r.PeerHello != nil {
		p.Version = r.PeerHello.Version
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[key] = p
}

func (s *SessionStore) Get(pub []byte) (Peer, bool) {
	if len(pub) != crypto.PublicKeySize {
		return Peer{}, false
	}
	var key [crypto.PublicKeySize]byte
	copy(key[:], pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	return p, ok
}

func (s *SessionStore) Remove(pub []byte) {
	if len(pub) != crypto.PublicKeySize {
		return
	}
	var key [crypto.PublicKeySize]byte
	copy(key[:], pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, key)
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
