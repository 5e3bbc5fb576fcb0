// Package pow runs proof-of-work cycles for the handshake: it carves a
// work buffer and a hash region out of the shared arena, hands them to
// a Kernel and reclaims the arena afterwards.
package pow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const HashSize = 32

// MaxDifficulty is the largest number of leading zero bits a 64-bit
// result can carry.
const MaxDifficulty = 64

var (
	ErrBadDifficulty = errors.New("pow: difficulty out of range")
	ErrBadRegion     = errors.New("pow: region outside kernel memory")
	ErrExhausted     = errors.New("pow: nonce space exhausted")
)

// Kernel searches for a nonce over a linear memory. hashPtr addresses a
// HashSize-byte input hash and workPtr a scratch buffer of workLen bytes,
// both inside mem.
type Kernel interface {
	Compute(ctx context.Context, mem []byte, hashPtr, workPtr, workLen, difficulty int) (uint32, error)
}

// Verifier is implemented by kernels whose result can be checked
// independently.
type Verifier interface {
	Verify(hash [HashSize]byte, nonce uint32, workLen, difficulty int) bool
}

// MemoryKernel is a memory-hard search: every attempt fills the whole
// work buffer from a generator seeded by (hash, nonce) and then takes
// pseudo-random walks through it.
type MemoryKernel struct{}

const bounces = 1024

func (MemoryKernel) Compute(ctx context.Context, mem []byte, hashPtr, workPtr, workLen, difficulty int) (uint32, error) {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return 0, ErrBadDifficulty
	}
	if workLen < 8 {
		return 0, fmt.Errorf("%w: work buffer of %d bytes", ErrBadRegion, workLen)
	}
	if !inside(mem, hashPtr, HashSize) || !inside(mem, workPtr, workLen) {
		return 0, ErrBadRegion
	}
	if hashPtr < workPtr+workLen && workPtr < hashPtr+HashSize {
		return 0, fmt.Errorf("%w: hash and work regions overlap", ErrBadRegion)
	}
	seed := seedWords(mem[hashPtr : hashPtr+HashSize])
	work := mem[workPtr : workPtr+workLen]
	for nonce := uint32(0); ; nonce++ {
		if nonce&0xf == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if bits.LeadingZeros64(attempt(work, seed, nonce)) >= difficulty {
			return nonce, nil
		}
		if nonce == math.MaxUint32 {
			return 0, ErrExhausted
		}
	}
}

func (MemoryKernel) Verify(hash [HashSize]byte, nonce uint32, workLen, difficulty int) bool {
	if difficulty < 0 || difficulty > MaxDifficulty || workLen < 8 {
		return false
	}
	work := make([]byte, workLen)
	return bits.LeadingZeros64(attempt(work, seedWords(hash[:]), nonce)) >= difficulty
}

func inside(mem []byte, off, n int) bool {
	return off >= 0 && n >= 0 && off <= len(mem) && n <= len(mem)-off
}

func seedWords(hash []byte) [4]uint64 {
	var s [4]uint64
	for i := range s {
		s[i] = binary.BigEndian.Uint64(hash[i*8:])
	}
	return s
}

func attempt(work []byte, seed [4]uint64, nonce uint32) uint64 {
	words := uint64(len(work) / 8)
	var g xoshiro
	for i := range g {
		g[i] = seed[i] ^ splitmix(uint64(nonce)<<2|uint64(i))
	}
	for i := uint64(0); i < words; i++ {
		binary.LittleEndian.PutUint64(work[i*8:], g.next())
	}
	result := seed[0] ^ seed[1] ^ seed[2] ^ seed[3]
	for i := 0; i < bounces; i++ {
		idx := (g.next() % words) * 8
		v := binary.LittleEndian.Uint64(work[idx:])
		result = bits.RotateLeft64(result^v, 13) * 0x9e3779b97f4a7c15
		binary.LittleEndian.PutUint64(work[idx:], v^result)
	}
	return splitmix(result)
}

// xoshiro256**
type xoshiro [4]uint64

func (s *xoshiro) next() uint64 {
	out := bits.RotateLeft64(s[1]*5, 7) * 9
	t := s[1] << 17
	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]
	s[2] ^= t
	s[3] = bits.RotateLeft64(s[3], 45)
	return out
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ x>>30) * 0xbf58476d1ce4e5b9
	x = (x ^ x>>27) * 0x94d049bb133111eb
	return x ^ x>>31
}
