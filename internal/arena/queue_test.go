package arena

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isDone(r *Request) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

func TestRequestResolvesImmediatelyWhenItFits(t *testing.T) {
	q := NewQueue(New(0, 100))
	r := q.Request(40)
	require.True(t, isDone(r))
	require.NoError(t, r.Err())
	require.Equal(t, 0, r.Offset())
	require.Equal(t, 0, q.Pending())
}

func TestRequestThatFitsPassesWaitingOnes(t *testing.T) {
	q := NewQueue(New(0, 100))
	require.NoError(t, q.Request(60).Err())
	big := q.Request(50)
	require.False(t, isDone(big))

	small := q.Request(30)
	require.True(t, isDone(small))
	require.NoError(t, small.Err())
	require.Equal(t, 60, small.Offset())
	require.False(t, isDone(big))
	require.Equal(t, 1, q.Pending())

	require.Equal(t, 1, q.Reset())
	require.Equal(t, 0, big.Offset())
}

func TestRequestRejectsImpossibleSizes(t *testing.T) {
	q := NewQueue(New(0, 100))
	require.ErrorIs(t, q.Request(0).Err(), ErrInvalidSize)
	require.ErrorIs(t, q.Request(101).Err(), ErrTooLarge)
	require.Equal(t, 0, q.Pending())
}

func TestResetResolvesHeadFirst(t *testing.T) {
	q := NewQueue(New(0, 100))
	hold := q.Request(90)
	require.NoError(t, hold.Err())

	first := q.Request(60)
	second := q.Request(50)
	require.False(t, isDone(first))
	require.False(t, isDone(second))
	require.Less(t, first.Order(), second.Order())

	require.Equal(t, 1, q.Reset())
	require.True(t, isDone(first))
	require.NoError(t, first.Err())
	require.Equal(t, 0, first.Offset())
	require.False(t, isDone(second), "second request must stay queued")
	require.Equal(t, 1, q.Pending())

	require.Equal(t, 1, q.Reset())
	require.NoError(t, second.Err())
	require.Equal(t, 0, second.Offset())
}

func TestDrainDoesNotSkipBlockedHead(t *testing.T) {
	q := NewQueue(New(0, 100))
	require.NoError(t, q.Request(95).Err())

	a := q.Request(60)
	b := q.Request(50)
	c := q.Request(30)
	require.Equal(t, 3, q.Pending())

	q.Reset()
	require.True(t, isDone(a))
	require.False(t, isDone(b))
	require.False(t, isDone(c), "a later request must not jump ahead of a blocked one")
	require.Equal(t, 2, q.Pending())
}

func TestAllocateWaitsForReset(t *testing.T) {
	q := NewQueue(New(0, 64))
	require.NoError(t, q.Request(64).Err())

	got := make(chan int, 1)
	go func() {
		off, err := q.Allocate(context.Background(), 32)
		if err == nil {
			got <- off
		}
		close(got)
	}()

	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, time.Millisecond)
	q.Reset()
	select {
	case off, ok := <-got:
		require.True(t, ok)
		require.Equal(t, 0, off)
	case <-time.After(time.Second):
		t.Fatalf("allocation not granted after reset")
	}
}

func TestAllocateCancelWithdrawsRequest(t *testing.T) {
	q := NewQueue(New(0, 64))
	require.NoError(t, q.Request(64).Err())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Allocate(ctx, 16)
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Equal(t, 0, q.Pending())

	q.Reset()
	require.Equal(t, 0, q.Arena().Break())
}

func TestCloseRejectsPending(t *testing.T) {
	q := NewQueue(New(0, 10))
	require.NoError(t, q.Request(10).Err())
	waiting := q.Request(5)

	boom := errors.New("shutdown")
	q.Close(boom)
	require.ErrorIs(t, waiting.Err(), boom)
	require.ErrorIs(t, q.Request(1).Err(), boom)
}

func TestOnWaitHook(t *testing.T) {
	q := NewQueue(New(0, 10))
	var waited []int
	q.OnWait(func(size int) { waited = append(waited, size) })
	q.Request(10)
	q.Request(3)
	require.Equal(t, []int{3}, waited)
}
