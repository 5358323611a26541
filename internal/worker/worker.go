package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of dispatch work, typically one notification send or one
// escalation step.
type Task func(ctx context.Context) error

// Pool runs tasks on a fixed number of goroutines. Sends and escalations are
// queued here so HTTP handlers and timer callbacks never block on delivery.
type Pool struct {
	numWorkers int
	tasks      chan Task
	ctx        context.Context
	quit       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewPool(numWorkers, bufferSize int) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, bufferSize),
		ctx:        context.Background(),
		quit:       make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 1; i <= p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case task := <-p.tasks:
			if err := task(ctx); err != nil {
				slog.Error("task failed", "worker", id, "error", err)
			}
		}
	}
}

// Submit queues the task. A stopped pool drops it; a full queue runs the
// task on the caller, so a worker submitting follow-up work cannot deadlock
// behind its own queue.
func (p *Pool) Submit(task Task) {
	select {
	case <-p.quit:
		slog.Warn("task dropped, pool stopped")
		return
	default:
	}

	select {
	case p.tasks <- task:
	default:
		if err := task(p.ctx); err != nil {
			slog.Error("task failed", "error", err)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}
