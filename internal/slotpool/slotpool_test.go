package slotpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFixedRespectsCapacity(t *testing.T) {
	p := New(2)
	ctx := context.Background()

	l1, err := p.AcquireFixed(ctx)
	require.NoError(t, err)
	l2, err := p.AcquireFixed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())

	acquired := make(chan struct{})
	go func() {
		l3, err := p.AcquireFixed(ctx)
		require.NoError(t, err)
		l3.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should have blocked while pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire should unblock after a release")
	}
	l2.Release()
}

func TestAcquireFixedHonorsContextCancellation(t *testing.T) {
	p := New(1)
	l1, err := p.AcquireFixed(context.Background())
	require.NoError(t, err)
	defer l1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.AcquireFixed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryAcquireBorrowFailsWhenFull(t *testing.T) {
	p := New(1)
	l1, ok := p.TryAcquireBorrow()
	require.True(t, ok)
	defer l1.Release()

	_, ok = p.TryAcquireBorrow()
	assert.False(t, ok)
}

func TestTryAcquireBorrowYieldsToQueuedFixedWaiter(t *testing.T) {
	p := New(1)
	l1, ok := p.TryAcquireBorrow()
	require.True(t, ok)

	fixedWaiting := make(chan struct{})
	go func() {
		close(fixedWaiting)
		l, err := p.AcquireFixed(context.Background())
		require.NoError(t, err)
		l.Release()
	}()
	<-fixedWaiting
	time.Sleep(20 * time.Millisecond) // let the fixed waiter register

	_, ok = p.TryAcquireBorrow()
	assert.False(t, ok, "borrow must not cut ahead of a queued fixed waiter")
	l1.Release()
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	p := New(1)
	l, err := p.AcquireFixed(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
}
