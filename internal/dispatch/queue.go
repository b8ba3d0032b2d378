package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// semaphore bounds the number of concurrent upstream attempts for one
// network: a channel caps how many attempts are in flight at once, and a
// token-bucket limiter caps how fast new attempts may start, generalizing
// the teacher's single flat golang.org/x/time/rate limiter into one
// limiter-gated semaphore per network (§5). Acquisition never blocks: a
// full channel or an exhausted bucket means the request is rejected
// immediately with a transient error rather than queued.
type semaphore struct {
	inflight chan struct{}
	limiter  *rate.Limiter
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{
		inflight: make(chan struct{}, capacity),
		limiter:  rate.NewLimiter(rate.Limit(capacity), capacity),
	}
}

func (s *semaphore) tryAcquire() bool {
	if !s.limiter.Allow() {
		return false
	}
	select {
	case s.inflight <- struct{}{}:
		return true
	default:
		// The bucket already spent a token here; it refills within a
		// second, which only tightens the effective admission rate under
		// sustained in-flight pressure rather than breaking the bound.
		return false
	}
}

func (s *semaphore) release() {
	<-s.inflight
}

// queueRegistry lazily creates one semaphore per network key.
type queueRegistry struct {
	mu    sync.Mutex
	byKey map[string]*semaphore
}

func newQueueRegistry() *queueRegistry {
	return &queueRegistry{byKey: make(map[string]*semaphore)}
}

func (r *queueRegistry) get(networkKey string, capacity int) *semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[networkKey]; ok {
		return s
	}
	s := newSemaphore(capacity)
	r.byKey[networkKey] = s
	return s
}
