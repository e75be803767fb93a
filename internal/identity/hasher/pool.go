package hasher

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent hashing. Argon2id at the default parameters holds
// ~64 MiB and a core for ~200 ms per call, so unbounded parallel logins
// would starve the handlers on small hosts.
type Pool struct {
	hasher *Hasher
	sem    *semaphore.Weighted
}

// NewPool wraps a Hasher with a concurrency bound of workers.
func NewPool(h *Hasher, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		hasher: h,
		sem:    semaphore.NewWeighted(int64(workers)),
	}
}

// Hash acquires a slot before hashing; it respects the caller's deadline
// while waiting.
func (p *Pool) Hash(ctx context.Context, password string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return p.hasher.Hash(password)
}

// Verify acquires a slot before verifying.
func (p *Pool) Verify(ctx context.Context, password, encodedHash string) (Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)
	return p.hasher.Verify(password, encodedHash)
}
