// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// -----------------------------------------------------------------------------
// Handshake key material
//
// - identity: Ed25519 (32-byte seed, 64-byte seed||pub private form)
// - key agreement: X25519 keys derived from the identity, never generated
//   separately
// - transcript hashing: SHA-256
// -----------------------------------------------------------------------------

const (
	SeedSize           = ed25519.SeedSize       // 32
	PublicKeySize      = ed25519.PublicKeySize  // 32
	PrivateKeySize     = ed25519.PrivateKeySize // 64
	X25519KeySize      = curve25519.ScalarSize  // 32
	SharedSecretSize   = curve25519.PointSize   // 32
	ResponseHashSize   = sha256.Size            // 32
	ChallengeNonceSize = 32
)

var (
	ErrIdentityDestroyed = errors.New("identity destroyed")
	ErrBadPublicKey      = errors.New("invalid ed25519 public key")
	ErrBadPrivateKey     = errors.New("invalid ed25519 private key")
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

type Identity struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	xPrivate  []byte
	xPublic   []byte
	destroyed bool
}

func (id *Identity) String() string {
	return "Identity{REDACTED}"
}

func (id *Identity) GoString() string {
	return "crypto.Identity{REDACTED}"
}

// GenerateIdentity draws a fresh seed from r (crypto/rand when nil).
func GenerateIdentity(r io.Reader) (*Identity, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, err
	}
	defer wipe(seed)
	return IdentityFromSeed(seed)
}

func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("bad seed size: need %d", SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	xPriv, err := X25519PrivateFromEd25519(priv)
	if err != nil {
		return nil, err
	}
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	pub := make([]byte, PublicKeySize)
	copy(pub, priv[SeedSize:])
	return &Identity{
		private:  priv,
		public:   pub,
		xPrivate: xPriv,
		xPublic:  xPub,
	}, nil
}

func (id *Identity) PublicKey() (ed25519.PublicKey, error) {
	if id == nil || id.destroyed {
		return nil, ErrIdentityDestroyed
	}
	return cloneBytes(id.public), nil
}

func (id *Identity) X25519Public() ([]byte, error) {
	if id == nil || id.destroyed {
		return nil, ErrIdentityDestroyed
	}
	return cloneBytes(id.xPublic), nil
}

// Seed returns a copy of the 32-byte Ed25519 seed.
func (id *Identity) Seed() ([]byte, error) {
	if id == nil || id.destroyed {
		return nil, ErrIdentityDestroyed
	}
	return cloneBytes(id.private.Seed()), nil
}

// Shared runs X25519 between this identity and the peer's Ed25519
// public key.
func (id *Identity) Shared(peerEdPub []byte) ([]byte, error) {
	if id == nil || id.destroyed {
		return nil, ErrIdentityDestroyed
	}
	peerX, err := X25519PublicFromEd25519(peerEdPub)
	if err != nil {
		return nil, err
	}
	return SharedSecret(id.xPrivate, peerX)
}

func (id *Identity) Destroy() {
	if id == nil || id.destroyed {
		return
	}
	wipe(id.private)
	wipe(id.xPrivate)
	id.private = nil
	id.xPrivate = nil
	id.destroyed = true
}

// -----------------------------------------------------------------------------
// Ed25519 <-> X25519
// -----------------------------------------------------------------------------

// X25519PrivateFromEd25519 hashes the seed with SHA-512 and clamps the
// low half into an X25519 scalar.
func X25519PrivateFromEd25519(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrBadPrivateKey
	}
	h := sha512.Sum512(priv[:SeedSize])
	defer wipe(h[:])
	out := make([]byte, X25519KeySize)
	copy(out, h[:X25519KeySize])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out, nil
}

// X25519PublicFromEd25519 maps an Edwards point onto the Montgomery
// u-coordinate.
func X25519PublicFromEd25519(pub []byte) ([]byte, error) {
	if len(pub) != PublicKeySize {
		return nil, ErrBadPublicKey
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return p.BytesMontgomery(), nil
}

// SharedSecret rejects low-order peer points (all-zero output).
func SharedSecret(xPriv, peerXPub []byte) ([]byte, error) {
	if len(xPriv) != X25519KeySize || len(peerXPub) != X25519KeySize {
		return nil, errors.New("bad x25519 key size")
	}
	return curve25519.X25519(xPriv, peerXPub)
}

// ResponseHash is SHA256(shared || nonce).
func ResponseHash(shared, nonce []byte) [ResponseHashSize]byte {
	h := sha256.New()
	h.Write(shared)
	h.Write(nonce)
	var out [ResponseHashSize]byte
	h.Sum(out[:0])
	return out
}

// Fingerprint is a short printable digest of key material for logs.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// -----------------------------------------------------------------------------
// Identity storage
// -----------------------------------------------------------------------------

const identityFile = "identity.hex"

func SaveIdentity(dir string, id *Identity) error {
	seed, err := id.Seed()
	if err != nil {
		return err
	}
	defer wipe(seed)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, identityFile), []byte(hex.EncodeToString(seed)), 0600)
}

func LoadIdentity(dir string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", identityFile)
	}
	defer wipe(seed)
	return IdentityFromSeed(seed)
}

// LoadOrCreateIdentity loads the identity in dir, generating and saving
// a new one when none exists yet.
func LoadOrCreateIdentity(dir string) (*Identity, bool, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		return id, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	id, err = GenerateIdentity(nil)
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(dir, id); err != nil {
		id.Destroy()
		return nil, false, err
	}
	return id, true, nil
}

func RandomNonce(r io.Reader) ([ChallengeNonceSize]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	var n [ChallengeNonceSize]byte
	_, err := io.ReadFull(r, n[:])
	return n, err
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
