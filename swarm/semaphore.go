package swarm

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/evolving-machines-lab/evolve/core"
)

// Semaphore is a bounded permit pool with FIFO wake order. It is the
// sole gate on aggregate executor load for a swarm: workers, verifiers,
// candidates, judges and retries all pass through the same pool.
//
// Waiters are served strictly in arrival order; a release wakes exactly
// one waiter by handing the permit over directly, so a burst of releases
// cannot let a late arrival overtake the queue head.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	inUse   int
	waiters *list.List // of chan struct{}
}

// NewSemaphore creates a pool of max permits. max must be >= 1.
func NewSemaphore(max int) (*Semaphore, error) {
	if max < 1 {
		return nil, fmt.Errorf("semaphore capacity %d: %w", max, core.ErrInvalidArgument)
	}
	return &Semaphore{max: max, waiters: list.New()}, nil
}

// Max returns the permit capacity.
func (s *Semaphore) Max() int { return s.max }

// InFlight returns the number of permits currently held.
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Use acquires one permit, invokes fn, and releases the permit on every
// exit path, including panics. The caller observes fn's outcome only
// after the permit is back in the pool.
//
// Reentrant Use on the same semaphore from inside fn can deadlock when
// all permits are held; callers release their own permit before blocking
// on further acquisitions.
func (s *Semaphore) Use(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn(ctx)
}

func (s *Semaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.max && s.waiters.Len() == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// The permit was handed over while we were cancelling;
			// put it back so it is not lost.
			s.mu.Unlock()
			s.release()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

func (s *Semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if front := s.waiters.Front(); front != nil {
		// Hand the permit to the queue head; inUse is unchanged.
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
}
