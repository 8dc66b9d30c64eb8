package submission

import (
	"context"
	"sync"

	"AttestGate/internal/attestation"
)

// digestLocks serializes work on the same digest. Waiting honours ctx.
type digestLocks struct {
	mu    sync.Mutex
	slots map[attestation.Digest]*lockSlot
}

type lockSlot struct {
	ch   chan struct{} // ch holds a token while the digest is locked
	refs int           // refs counts holders and waiters
}

func newDigestLocks() *digestLocks {
	return &digestLocks{slots: make(map[attestation.Digest]*lockSlot)}
}

// lock blocks until d is free or ctx ends. On success the returned func
// releases the lock.
func (l *digestLocks) lock(ctx context.Context, d attestation.Digest) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[d]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[d] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			l.release(d, s)
		}, nil
	case <-ctx.Done():
		l.release(d, s)
		return nil, ctx.Err()
	}
}

func (l *digestLocks) release(d attestation.Digest, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, d)
	}
}

// held returns the number of digests with holders or waiters.
func (l *digestLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
