package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
)

const queueDepth = 256

// ProcessFunc handles one decoded event.
type ProcessFunc func(ctx context.Context, ev *Event) error

type task struct {
	event   *Event
	process ProcessFunc
}

// PoolConfig sizes the worker pool. Zero values fall back to the defaults:
// 5 workers of which 3 drain the high-priority queue first, a 45s
// per-attempt deadline, and up to 3 retries.
type PoolConfig struct {
	Workers         int
	PriorityWorkers int
	TaskDeadline    time.Duration
	MaxRetries      int
}

// Pool processes accepted deliveries off the HTTP path. User-initiated
// actions go on the high-priority queue; bulk CI traffic on the normal one.
type Pool struct {
	cfg    PoolConfig
	high   chan *task
	normal chan *task
	logger *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.PriorityWorkers <= 0 || cfg.PriorityWorkers > cfg.Workers {
		cfg.PriorityWorkers = 3
		if cfg.PriorityWorkers > cfg.Workers {
			cfg.PriorityWorkers = cfg.Workers
		}
	}
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = 45 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pool{
		cfg:    cfg,
		high:   make(chan *task, queueDepth),
		normal: make(chan *task, queueDepth),
		logger: logger,
	}
}

// Start launches the workers. The pool runs until Shutdown.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		priority := i < p.cfg.PriorityWorkers
		p.group.Go(func() error {
			p.worker(ctx, priority)
			return nil
		})
	}
}

// Shutdown stops accepting work and waits for in-flight tasks.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		p.group.Wait()
	}
}

// Submit enqueues a task; it blocks when the queue is full so intake
// backpressure surfaces as request latency rather than silent drops.
func (p *Pool) Submit(ctx context.Context, ev *Event, process ProcessFunc, highPriority bool) error {
	t := &task{event: ev, process: process}
	queue := p.normal
	if highPriority {
		queue = p.high
	}
	select {
	case queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, priority bool) {
	for {
		var t *task
		if priority {
			// Drain high-priority work first, then fall back to the shared queue.
			select {
			case t = <-p.high:
			default:
				select {
				case t = <-p.high:
				case t = <-p.normal:
				case <-ctx.Done():
					return
				}
			}
		} else {
			select {
			case t = <-p.normal:
			case <-ctx.Done():
				return
			}
		}
		p.run(ctx, t)
	}
}

// run executes a task with the per-attempt deadline, retrying transient
// failures with capped backoff. Exhausted tasks are counted and dropped;
// the delivery's 200 has long been sent.
func (p *Pool) run(ctx context.Context, t *task) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskDeadline)
		err := t.process(attemptCtx, t.event)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("event processing failed",
			"event", t.event.Kind,
			"delivery_id", t.event.DeliveryID,
			"attempt", attempt+1,
			"error", err)

		if attempt < p.cfg.MaxRetries {
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}
	metrics.ProcessingFailuresTotal.WithLabelValues(t.event.Kind).Inc()
	p.logger.Error("event processing exhausted retries",
		"event", t.event.Kind,
		"delivery_id", t.event.DeliveryID,
		"error", lastErr)
}
