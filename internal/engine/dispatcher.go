package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when the background execution queue is at
// capacity.
var ErrQueueFull = errors.New("engine: execution queue is full")

// Dispatcher owns the background execution queue. A fixed pool of
// goroutines drains it; each execution opens its own transactions.
type Dispatcher struct {
	exec    *Executor
	logger  *slog.Logger
	workers int
	queue   chan dispatchItem
	wg      sync.WaitGroup
}

type dispatchItem struct {
	taskID   string
	tenantID string
	runID    string
}

// NewDispatcher creates a dispatcher with the given pool size and queue
// depth. Non-positive values select defaults of 4 workers and depth 64.
func NewDispatcher(exec *Executor, workers, depth int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 64
	}
	return &Dispatcher{
		exec:    exec,
		logger:  logger,
		workers: workers,
		queue:   make(chan dispatchItem, depth),
	}
}

// Start launches the worker pool. Workers exit when the context is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-d.queue:
					d.run(ctx, item)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, item dispatchItem) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("pipeline execution panicked",
				"task_id", item.taskID,
				"pipeline_run_id", item.runID,
				"panic", rec,
			)
		}
	}()

	var err error
	if item.runID != "" {
		err = d.exec.Run(ctx, item.runID)
	} else {
		_, err = d.exec.Execute(ctx, item.taskID, item.tenantID)
	}
	if err != nil {
		d.logger.Error("pipeline execution failed",
			"task_id", item.taskID,
			"pipeline_run_id", item.runID,
			"error", err,
		)
	}
}

// QueueTask enqueues a queued task for background execution.
func (d *Dispatcher) QueueTask(taskID, tenantID string) error {
	return d.enqueue(dispatchItem{taskID: taskID, tenantID: tenantID})
}

// QueueRun enqueues continuation of an existing run.
func (d *Dispatcher) QueueRun(runID string) error {
	return d.enqueue(dispatchItem{runID: runID})
}

func (d *Dispatcher) enqueue(item dispatchItem) error {
	select {
	case d.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

var _ RunQueuer = (*Dispatcher)(nil)
