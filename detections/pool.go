package detections

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize       = 4
	DefaultAcquireTimeout = 5 * time.Second
	maxRecordedErrors     = 10
)

// Runner is one forward-pass executor. ModelSession is the production implementation.
type Runner interface {
	Run(input []float32) (*models.RawOutput, error)
	Destroy()
}

// RunnerFactory builds a fresh Runner; the pool calls it at start and to replace
// runners whose forward pass failed.
type RunnerFactory func() (Runner, error)

// Engine runs the detection model for the predictor.
type Engine interface {
	InputSize() image.Point
	Infer(ctx context.Context, input []float32) (*models.RawOutput, error)
}

// SessionPool shares a fixed number of runners between concurrent requests.
type SessionPool struct {
	sessions       chan Runner
	size           int
	inputSize      image.Point
	factory        RunnerFactory
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
	metricsMu      sync.RWMutex
	metrics        PoolMetrics
	lastErrors     []error
}

type PoolMetrics struct {
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	RunFailures     int64         `json:"run_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewSessionPool(factory RunnerFactory, size int, inputSize image.Point, acquireTimeout time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	pool := &SessionPool{
		sessions:       make(chan Runner, size),
		size:           size,
		inputSize:      inputSize,
		factory:        factory,
		acquireTimeout: acquireTimeout,
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	return pool, nil
}

func (p *SessionPool) InputSize() image.Point {
	return p.inputSize
}

func (p *SessionPool) Size() int {
	return p.size
}

// Infer runs input through an acquired session. A session whose run fails is destroyed
// and replaced so one bad run cannot poison later requests.
func (p *SessionPool) Infer(ctx context.Context, input []float32) (*models.RawOutput, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.Run(input)
	if err != nil {
		p.metricsMu.Lock()
		p.metrics.RunFailures++
		p.metricsMu.Unlock()
		p.recordError(err)
		p.discard(session)
		return nil, err
	}

	p.Release(session)
	return out, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Runner, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Runner) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

func (p *SessionPool) discard(session Runner) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metricsMu.Unlock()

	session.Destroy()
	p.replenishSessions(1)
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]error, len(p.lastErrors))
	copy(out, p.lastErrors)
	return out
}

// GetMetrics returns a snapshot of the pool counters.
func (p *SessionPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}
