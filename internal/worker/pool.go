// Package worker uploads multipart parts concurrently with a bounded pool.
package worker

import (
	"context"
	"sort"
	"sync"

	"dsync/internal/metrics"

	"go.uber.org/zap"
)

// Pool manages a pool of workers
type Pool struct {
	size      int
	processor Processor
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewPool creates a new worker pool. metrics may be nil.
func NewPool(size int, processor Processor, metricsCollector *metrics.Collector, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:      size,
		processor: processor,
		metrics:   metricsCollector,
		logger:    logger,
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more parts")
				return
			}

			if p.metrics != nil {
				p.metrics.IncInflight()
			}
			res := p.processor.Process(ctx, task)
			if p.metrics != nil {
				p.metrics.DecInflight()
			}
			results <- res

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}

// Run uploads every task and returns the results ordered by part number,
// whatever order they finished in. The first failure cancels the parts
// still waiting and is returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) ([]Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskCh := make(chan Task)
	resultCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	p.Start(runCtx, taskCh, resultCh, &wg)

	go func() {
		defer close(taskCh)
		for _, t := range tasks {
			select {
			case taskCh <- t:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]Result, 0, len(tasks))
	var firstErr error
	for res := range resultCh {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
				cancel()
			}
			continue
		}
		results = append(results, res)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PartNumber < results[j].PartNumber })
	return results, nil
}
