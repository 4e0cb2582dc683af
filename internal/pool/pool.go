// Package pool splits a fixed work list across a bounded set of goroutines.
package pool

import "sync"

// MaxWorkers is the default upper bound on concurrent workers.
const MaxWorkers = 4

// Span is a half-open index range [Lo, Hi) assigned to one worker.
type Span struct {
	Lo, Hi int
}

// Split divides n items into at most workers contiguous spans of
// ceil(n/workers) items. It returns no spans when n is zero.
func Split(n, workers int) []Span {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = MaxWorkers
	}
	if workers > n {
		workers = n
	}
	step := (n + workers - 1) / workers

	spans := make([]Span, 0, workers)
	for lo := 0; lo < n; lo += step {
		hi := lo + step
		if hi > n {
			hi = n
		}
		spans = append(spans, Span{Lo: lo, Hi: hi})
	}
	return spans
}

// Run starts one goroutine per span and returns a function that blocks until
// all of them have returned.
func Run(spans []Span, work func(Span)) (wait func()) {
	var wg sync.WaitGroup
	for _, s := range spans {
		wg.Add(1)
		go func(s Span) {
			defer wg.Done()
			work(s)
		}(s)
	}
	return wg.Wait
}
