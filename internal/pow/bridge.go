package pow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"qortpeer/internal/arena"
	"qortpeer/internal/log"
	"qortpeer/internal/metrics"
)

const (
	DefaultWorkBufferSize = 2 << 20
	HashRegionSize        = HashSize
)

var (
	ErrKernel      = errors.New("pow: kernel failed")
	ErrNoVerifier  = errors.New("pow: kernel cannot verify")
	ErrArenaSize   = errors.New("pow: arena must hold exactly one cycle")
	ErrNilKernel   = errors.New("pow: nil kernel")
	ErrBadWorkSize = errors.New("pow: work buffer size must be a positive multiple of 8")
)

// CycleSize is the arena footprint of one proof-of-work cycle.
func CycleSize(workSize int) int {
	return workSize + HashRegionSize
}

type Options struct {
	// WorkBufferSize defaults to DefaultWorkBufferSize.
	WorkBufferSize int
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
}

// Bridge runs kernel invocations against memory taken from an
// allocation queue. The arena behind the queue must be sized for a
// single cycle so that a second caller waits in the queue until the
// first cycle resets it.
type Bridge struct {
	queue    *arena.Queue
	kernel   Kernel
	workSize int
	log      *logging.Logger
	metrics  *metrics.Metrics
}

func NewBridge(q *arena.Queue, k Kernel, opts Options) (*Bridge, error) {
	if k == nil {
		return nil, ErrNilKernel
	}
	ws := opts.WorkBufferSize
	if ws == 0 {
		ws = DefaultWorkBufferSize
	}
	if ws < 8 || ws%8 != 0 {
		return nil, ErrBadWorkSize
	}
	need := CycleSize(ws)
	// A second work buffer must never fit beside a live cycle.
	if c := q.Arena().Capacity(); c < need || c >= 2*ws {
		return nil, fmt.Errorf("%w: capacity %d, cycle %d", ErrArenaSize, c, need)
	}
	b := &Bridge{
		queue:    q,
		kernel:   k,
		workSize: ws,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if b.log == nil {
		b.log = log.Discard("pow")
	}
	q.OnWait(func(size int) {
		b.metrics.QueueWait()
		b.log.Debugf("allocation of %d bytes queued behind an active cycle", size)
	})
	return b, nil
}

func (b *Bridge) WorkBufferSize() int {
	return b.workSize
}

// ComputeProofOfWork searches for a nonce for hash at the given
// difficulty. Whatever the outcome, once the work buffer was granted the
// arena is reset and the queue drained before returning.
func (b *Bridge) ComputeProofOfWork(ctx context.Context, hash [HashSize]byte, difficulty int) (nonce uint32, err error) {
	start := time.Now()
	defer func() {
		b.metrics.PoWCycle(time.Since(start), err)
	}()

	workPtr, err := b.queue.Allocate(ctx, b.workSize)
	if err != nil {
		return 0, fmt.Errorf("pow: work buffer: %w", err)
	}
	defer b.queue.Reset()

	hashPtr, err := b.queue.Allocate(ctx, HashRegionSize)
	if err != nil {
		return 0, fmt.Errorf("pow: hash region: %w", err)
	}
	mem := b.queue.Arena().Memory()
	copy(mem[hashPtr:hashPtr+HashRegionSize], hash[:])

	b.log.Debugf("cycle: work=%d@%d hash@%d difficulty=%d", b.workSize, workPtr, hashPtr, difficulty)
	nonce, err = b.invoke(ctx, mem, hashPtr, workPtr, difficulty)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrKernel, err)
	}
	b.log.Debugf("cycle done: nonce=%d in %s", nonce, time.Since(start))
	return nonce, nil
}

func (b *Bridge) invoke(ctx context.Context, mem []byte, hashPtr, workPtr, difficulty int) (nonce uint32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.kernel.Compute(ctx, mem, hashPtr, workPtr, b.workSize, difficulty)
}

// Verify checks a nonce with the kernel's verifier, when it has one.
func (b *Bridge) Verify(hash [HashSize]byte, nonce uint32, difficulty int) (bool, error) {
	v, ok := b.kernel.(Verifier)
	if !ok {
		return false, ErrNoVerifier
	}
	return v.Verify(hash, nonce, b.workSize, difficulty), nil
}
