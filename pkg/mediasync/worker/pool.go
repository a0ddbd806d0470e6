package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Result is reported once per task after its final attempt.
type Result struct {
	Task     Task
	Attempts int
	Err      error
}

// Pool executes tasks on a fixed number of goroutines. Failed attempts are
// retried with exponential backoff up to the task's MaxAttempts; tasks with
// the same Key run one at a time in submission order.
type Pool struct {
	workers         int
	capacity        int
	initialInterval time.Duration
	maxInterval     time.Duration
	onResult        func(Result)
	logger          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	ready    []Task
	waiting  map[string][]Task
	held     map[string]bool
	queued   int
	closed   bool
	stopping bool

	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithWorkers sets the number of worker goroutines
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize bounds the number of queued (not yet running) tasks
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		p.capacity = n
	}
}

// WithBackoff sets the first retry delay and the delay cap
func WithBackoff(initial, max time.Duration) PoolOption {
	return func(p *Pool) {
		p.initialInterval = initial
		p.maxInterval = max
	}
}

// WithResultHandler registers a callback invoked after each task's final attempt
func WithResultHandler(fn func(Result)) PoolOption {
	return func(p *Pool) {
		p.onResult = fn
	}
}

// WithLogger sets the pool logger
func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates and starts a pool
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		workers:         4,
		capacity:        1000,
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
		logger:          zap.NewNop(),
		waiting:         make(map[string][]Task),
		held:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("worker")
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

// Submit queues the task. It does not wait for the task to run.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.capacity > 0 && p.queued >= p.capacity {
		return ErrQueueFull
	}

	p.inflight.Add(1)
	p.queued++
	if task.Key != "" {
		if p.held[task.Key] {
			p.waiting[task.Key] = append(p.waiting[task.Key], task)
			return nil
		}
		p.held[task.Key] = true
	}
	p.ready = append(p.ready, task)
	p.cond.Signal()
	return nil
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.ready[0]
		p.ready = p.ready[1:]
		p.queued--
		p.mu.Unlock()

		p.execute(task)
		p.release(task)
	}
}

// release hands the key to the next waiting task, if any.
func (p *Pool) release(task Task) {
	p.mu.Lock()
	if task.Key != "" {
		if next := p.waiting[task.Key]; len(next) > 0 {
			p.ready = append(p.ready, next[0])
			if len(next) == 1 {
				delete(p.waiting, task.Key)
			} else {
				p.waiting[task.Key] = next[1:]
			}
			p.cond.Signal()
		} else {
			delete(p.held, task.Key)
		}
	}
	p.mu.Unlock()
	p.inflight.Done()
}

func (p *Pool) newBackOff(task Task) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initialInterval
	exp.MaxInterval = p.maxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	retries := uint64(task.Policy.attempts() - 1)
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), p.ctx)
}

func (p *Pool) execute(task Task) {
	attempts := 0
	op := func() error {
		attempts++
		return runAttempt(p.ctx, task, attempts)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("task attempt failed, retrying",
			zap.String("task", task.Name),
			zap.String("key", task.Key),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, p.newBackOff(task), notify)
	err = unwrapPermanent(err)
	if err != nil {
		p.logger.Error("task failed",
			zap.String("task", task.Name),
			zap.String("key", task.Key),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	if p.onResult != nil {
		p.onResult(Result{Task: task, Attempts: attempts, Err: err})
	}
}

// Close stops accepting tasks and waits for queued and running tasks. If ctx
// expires first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		p.cancel()
	}

	p.mu.Lock()
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if err == nil {
		p.wg.Wait()
		p.cancel()
	}
	return err
}

var _ Scheduler = (*Pool)(nil)
