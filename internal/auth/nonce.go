package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthNonce is a single-use login challenge. It is unrelated to the account
// nonce of an Ethereum transaction.
type AuthNonce string

// NonceStore issues and consumes login challenges. Consume succeeds at most
// once per issued value; an expired value behaves as already consumed.
type NonceStore interface {
	Issue(ctx context.Context) (AuthNonce, error)
	Consume(ctx context.Context, nonce AuthNonce) (bool, error)
	// Sweep drops expired values and returns how many were dropped.
	Sweep(now time.Time) int
}

// MemoryNonceStore keeps challenges in process memory.
type MemoryNonceStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	issued map[AuthNonce]time.Time
}

func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		ttl:    ttl,
		now:    time.Now,
		issued: make(map[AuthNonce]time.Time),
	}
}

func (s *MemoryNonceStore) Issue(_ context.Context) (AuthNonce, error) {
	nonce := newAuthNonce()

	s.mu.Lock()
	s.issued[nonce] = s.now()
	s.mu.Unlock()

	return nonce, nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce AuthNonce) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issuedAt, ok := s.issued[nonce]
	if !ok {
		return false, nil
	}
	delete(s.issued, nonce)

	return s.now().Sub(issuedAt) < s.ttl, nil
}

func (s *MemoryNonceStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for nonce, issuedAt := range s.issued {
		if now.Sub(issuedAt) >= s.ttl {
			delete(s.issued, nonce)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of outstanding challenges.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued)
}

func newAuthNonce() AuthNonce {
	return AuthNonce(uuid.NewString())
}
