package store

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const lockWeight = 1 << 20

// ctxRWMutex is a RW mutex whose acquisition honours context cancellation.
// Readers take one unit of the semaphore, writers take all of it.
type ctxRWMutex struct {
	sem *semaphore.Weighted
}

func newCtxRWMutex() *ctxRWMutex {
	return &ctxRWMutex{sem: semaphore.NewWeighted(lockWeight)}
}

func (m *ctxRWMutex) RLock(ctx context.Context) error { return m.sem.Acquire(ctx, 1) }
func (m *ctxRWMutex) RUnlock()                        { m.sem.Release(1) }
func (m *ctxRWMutex) Lock(ctx context.Context) error  { return m.sem.Acquire(ctx, lockWeight) }
func (m *ctxRWMutex) Unlock()                         { m.sem.Release(lockWeight) }
