package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"citation-capture/core/metrics"

	"go.uber.org/zap"
)

type envelope struct {
	task    Task
	attempt int
}

// Pool runs tasks on a fixed set of workers over an unbounded queue, so
// handlers can enqueue follow-up tasks without blocking a worker.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []envelope
	closed  bool
	started bool
	summary Summary

	pending sync.WaitGroup
	workers sync.WaitGroup
}

// NewPool creates a pool. Register handlers before calling Start.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		summary: Summary{
			Outcomes: make(map[Outcome]int),
			ByKind:   make(map[string]int),
		},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Handle registers the handler for a task kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches the workers. ctx is handed to every handler.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.workers.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func() {
			defer p.workers.Done()
			for {
				env, ok := p.next()
				if !ok {
					return
				}
				p.run(ctx, env)
			}
		}()
	}
}

// Enqueue schedules a task.
func (p *Pool) Enqueue(_ context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.handlers[task.Kind()]; !ok {
		return fmt.Errorf("no handler registered for task kind %q", task.Kind())
	}
	p.pending.Add(1)
	metrics.TasksInFlight.Inc()
	p.summary.Enqueued++
	p.queue = append(p.queue, envelope{task: task, attempt: 1})
	p.cond.Signal()
	return nil
}

// Wait blocks until every enqueued task, retries and follow-ups included, is final.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close waits for outstanding work and stops the workers.
func (p *Pool) Close() {
	p.Wait()
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
}

// Summary returns a snapshot of the pool statistics.
func (p *Pool) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary.clone()
}

func (p *Pool) next() (envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return envelope{}, false
	}
	env := p.queue[0]
	p.queue[0] = envelope{}
	p.queue = p.queue[1:]
	return env, true
}

func (p *Pool) requeue(env envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, env)
	p.cond.Signal()
}

func (p *Pool) run(ctx context.Context, env envelope) {
	kind := env.task.Kind()

	p.mu.Lock()
	h := p.handlers[kind]
	p.mu.Unlock()

	err := p.invoke(ctx, h, env.task)
	l := p.logger.With(
		zap.String("kind", kind),
		zap.String("key", env.task.Key()),
		zap.Int("attempt", env.attempt),
	)

	var outcome Outcome
	switch {
	case err == nil:
		outcome = OutcomeSucceeded
	case errors.Is(err, ErrStale):
		l.Debug("Stale change dropped", zap.Error(err))
		outcome = OutcomeStale
	case errors.Is(err, ErrAlreadyExists):
		l.Warn("Duplicate absorbed", zap.Error(err))
		outcome = OutcomeAbsorbed
	case IsStructural(err):
		l.Error("Unit abandoned", zap.Error(err))
		outcome = OutcomeAbandoned
	case env.attempt < p.cfg.MaxAttempts:
		l.Warn("Transient failure, redelivering", zap.Error(err))
		p.mu.Lock()
		p.summary.Retried++
		p.mu.Unlock()
		metrics.TasksTotal.WithLabelValues(kind, "retried").Inc()

		env.attempt++
		delay := p.cfg.RetryBackoff * time.Duration(env.attempt-1)
		if delay <= 0 {
			p.requeue(env)
		} else {
			time.AfterFunc(delay, func() { p.requeue(env) })
		}
		return
	default:
		l.Error("Redelivery attempts exhausted", zap.Error(err))
		outcome = OutcomeExhausted
	}

	p.mu.Lock()
	p.summary.Outcomes[outcome]++
	p.summary.ByKind[kind]++
	p.mu.Unlock()

	metrics.TasksTotal.WithLabelValues(kind, string(outcome)).Inc()
	metrics.TasksInFlight.Dec()
	p.pending.Done()
}

// invoke runs the handler, turning a panic into a structural failure.
func (p *Pool) invoke(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Structuralf("handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}
