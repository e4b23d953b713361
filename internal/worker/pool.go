// Package worker bridges Supervisor-assigned Tasks to PTY Executor sessions,
// and also provides a generic concurrent fan-out/fan-in pool used by the
// acceptance checker to evaluate a Task's custom predicates concurrently.
package worker

import (
	"runtime"
	"sync"
)

// Result pairs a processed value with its original index, so callers can
// correlate a failure back to the input that produced it without the input
// itself round-tripping through a string label.
type Result[Out any] struct {
	Index int
	Value Out
	Err   error
}

// Pool fans work items of type In out to a fixed number of goroutine
// workers and collects Out results in the same order as the input slice.
type Pool[In, Out any] struct {
	concurrency int
}

// NewPool creates a worker pool with the given concurrency. If
// concurrency <= 0, it defaults to runtime.NumCPU().
func NewPool[In, Out any](concurrency int) *Pool[In, Out] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[In, Out]{concurrency: concurrency}
}

// Process runs fn over every item concurrently and returns one Result per
// item, index-aligned with items. A per-item error is captured in its
// Result rather than aborting the rest of the batch.
func (p *Pool[In, Out]) Process(items []In, fn func(In) (Out, error)) []Result[Out] {
	if len(items) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(items) {
		workers = len(items)
	}

	type job struct {
		index int
		item  In
	}

	jobs := make(chan job, len(items))
	results := make([]Result[Out], len(items))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				val, err := fn(j.item)
				results[j.index] = Result[Out]{Index: j.index, Value: val, Err: err}
			}
		}()
	}

	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)

	wg.Wait()
	return results
}
