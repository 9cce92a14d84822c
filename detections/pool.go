package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPoolSize   = 1
	AcquireTimeout    = 30 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// SessionFactory builds one inference session over the shared model file.
type SessionFactory func() (*ModelSession, error)

// ModelSessionPool hands out sessions over the single loaded model so the
// preallocated input/output tensors are never shared between callers.
type ModelSessionPool struct {
	sessions   chan *ModelSession
	size       int
	factory    SessionFactory
	mu         sync.Mutex
	closed     bool
	live       int
	metrics    *poolMetrics
	lastErrors []error
	done       chan struct{}
	acquireMax time.Duration
}

type poolMetrics struct {
	mu sync.RWMutex
	PoolMetrics
}

// PoolMetrics is a snapshot of pool usage counters.
type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	TotalDiscarded  int64         `json:"total_discarded"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	// Live counts sessions that exist, idle or in use. Below Size means a
	// discarded session could not be rebuilt yet.
	Live       int      `json:"sessions_live"`
	LastErrors []string `json:"last_errors,omitempty"`
}

func NewModelSessionPool(size int, factory SessionFactory) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:   make(chan *ModelSession, size),
		size:       size,
		factory:    factory,
		metrics:    &poolMetrics{},
		done:       make(chan struct{}),
		acquireMax: AcquireTimeout,
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) Size() int {
	return p.size
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireMax)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.live--
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed mid-inference and builds its
// replacement straight away. If that fails the health check retries later.
func (p *ModelSessionPool) Discard(session *ModelSession, cause error) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalDiscarded++
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	if cause != nil {
		p.lastErrors = appendError(p.lastErrors, cause)
	}
	p.replenishLocked()
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		p.live--
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

// replenishSessions recreates discarded sessions up to the pool size.
func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replenishLocked()
}

func (p *ModelSessionPool) replenishLocked() {
	for !p.closed && p.live < p.size {
		session, err := p.factory()
		if err != nil {
			p.lastErrors = appendError(p.lastErrors, fmt.Errorf("replace session: %w", err))
			return
		}
		p.live++
		p.sessions <- session
	}
}

func appendError(errs []error, err error) []error {
	errs = append(errs, err)
	if len(errs) > 10 {
		errs = errs[1:]
	}
	return errs
}

// GetMetrics snapshots the counters along with the live session count and up
// to ten recent session failures.
func (p *ModelSessionPool) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	snapshot := p.metrics.PoolMetrics
	p.metrics.mu.RUnlock()

	snapshot.Size = p.size
	p.mu.Lock()
	snapshot.Live = p.live
	for _, err := range p.lastErrors {
		snapshot.LastErrors = append(snapshot.LastErrors, err.Error())
	}
	p.mu.Unlock()
	return snapshot
}
